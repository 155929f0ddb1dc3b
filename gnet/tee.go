package gnet

func Tee(in <-chan NetTraffic) (<-chan NetTraffic, <-chan NetTraffic) {
	out1 := make(chan NetTraffic)
	out2 := make(chan NetTraffic)

	go func() {
		defer close(out1)
		defer close(out2)
		for t := range in {
			out1 <- t
			out2 <- t
		}
	}()

	return out1, out2
}
