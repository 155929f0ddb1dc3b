package proto

import "testing"

func TestPortMuxerTableFind(t *testing.T) {
	tbl := NewPortMuxerTable()
	http := stubProto{"HTTP"}
	ftp := stubProto{"FTP"}

	tbl.AddPort("HTTP", 80, 80, http)
	tbl.AddPort("HTTP-alt", 8080, 8090, http)
	tbl.AddPort("FTP", 21, 21, ftp)

	if got := tbl.Find(12345, 80); got == nil || got.Name() != "HTTP" {
		t.Fatalf("expected HTTP match on port 80, got %v", got)
	}
	if got := tbl.Find(8085, 54321); got == nil || got.Name() != "HTTP" {
		t.Fatalf("expected HTTP-alt range match, got %v", got)
	}
	if got := tbl.Find(12345, 54321); got != nil {
		t.Fatalf("expected no match for unbound ports, got %v", got)
	}
}

func TestPortMuxerTableDelPort(t *testing.T) {
	tbl := NewPortMuxerTable()
	http := stubProto{"HTTP"}
	tbl.AddPort("HTTP", 80, 80, http)

	tbl.DelPort("HTTP", 80, 80)
	if got := tbl.Find(80, 12345); got != nil {
		t.Fatalf("expected no match after DelPort, got %v", got)
	}
}

func TestPortMuxerTableBindingsOrdered(t *testing.T) {
	tbl := NewPortMuxerTable()
	tbl.AddPort("FTP", 21, 21, stubProto{"FTP"})
	tbl.AddPort("HTTP", 80, 80, stubProto{"HTTP"})
	tbl.AddPort("SSH", 22, 22, stubProto{"SSH"})

	bindings := tbl.Bindings()
	if len(bindings) != 3 {
		t.Fatalf("expected 3 bindings, got %d", len(bindings))
	}
	// Bindings are kept in insertion order, not sorted by PortMin: a
	// later-registered narrower range (SSH, 22) must not jump ahead of an
	// earlier-registered one (HTTP, 80) it happens to undercut.
	wantOrder := []string{"FTP", "HTTP", "SSH"}
	for i, name := range wantOrder {
		if bindings[i].Name != name {
			t.Fatalf("binding %d = %q, want %q (insertion order), got %+v", i, bindings[i].Name, name, bindings)
		}
	}
}

func TestPortMuxerTableFindBreaksTiesByInsertionOrder(t *testing.T) {
	tbl := NewPortMuxerTable()
	first := stubProto{"first"}
	second := stubProto{"second"}

	// Two overlapping bindings with the same PortMin: whichever was
	// registered first must win, every time, not whichever a sort
	// happens to settle on.
	tbl.AddPort("first", 100, 200, first)
	tbl.AddPort("second", 100, 150, second)

	if got := tbl.Find(120, 0); got == nil || got.Name() != "first" {
		t.Fatalf("expected the first-registered overlapping binding to win, got %v", got)
	}
}
