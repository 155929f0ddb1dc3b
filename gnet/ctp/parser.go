package ctp

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/riftpath/dissect/gid"
	"github.com/riftpath/dissect/gnet"
	"github.com/riftpath/dissect/memview"
)

func newCtpRequestParser(id gnet.TCPBidiID, seq int) *ctpRequestParser {
	return &ctpRequestParser{connectionID: gid.ConnectionIDFromUUID(uuid.UUID(id)), seq: seq}
}
func newCtpResponseParser(id gnet.TCPBidiID, seq int) *ctpResponseParser {
	return &ctpResponseParser{connectionID: gid.ConnectionIDFromUUID(uuid.UUID(id)), seq: seq}
}

type ctpRequestParser struct {
	connectionID gid.ConnectionID
	seq          int
}

var _ gnet.TCPParser = (*ctpRequestParser)(nil)

func (*ctpRequestParser) Name() string {
	return "FTP/SMTP Request Parser"
}

func (p *ctpRequestParser) Parse(input memview.MemView, isEnd bool) (result gnet.ParsedNetworkContent, unused memview.MemView, totalBytesConsumed int64, err error) {
	data := input.Bytes()
	i := bytes.Index(data, []byte{0x20})
	var cmd, arg string
	if i == -1 {
		cmd = string(getRequestArg(data))
	} else {
		cmd = string(data[:i])
		arg = string(getRequestArg(data[i+1:]))
	}
	if cmd == "" {
		return
	}
	result = gnet.FtpSmtpRequest{
		ConnectionID: p.connectionID,
		Seq:          p.seq,
		Command:      cmd,
		Arg:          arg,
	}
	totalBytesConsumed = input.Len()
	return
}

type ctpResponseParser struct {
	connectionID gid.ConnectionID
	seq          int
}

var _ gnet.TCPParser = (*ctpResponseParser)(nil)

func (*ctpResponseParser) Name() string {
	return "FTP/SMTP Response Parser"
}

func (p *ctpResponseParser) Parse(input memview.MemView, isEnd bool) (result gnet.ParsedNetworkContent, unused memview.MemView, totalBytesConsumed int64, err error) {
	data := input.Bytes()
	i := bytes.Index(data, []byte{0x20})
	if i == -1 {
		i = bytes.Index(data, []byte{0x2d})
		if i == -1 {
			err = errors.New("incomplete FTP/SMTP record for FTP/SMTP Response")
			return
		}
	}
	code, convErr := strconv.Atoi(string(data[:i]))
	if convErr != nil {
		err = errors.New("malformed FTP/SMTP reply code")
		return
	}
	result = gnet.FtpSmtpResponse{
		ConnectionID: p.connectionID,
		Seq:          p.seq,
		Code:         code,
		Message:      string(getRequestArg(data[i+1:])),
	}
	totalBytesConsumed = input.Len()
	return
}

func getRequestArg(data []byte) []byte {
	i := bytes.Index(data, []byte{0x0d, 0x0a})
	if i == -1 {
		return nil
	}
	return data[:i]
}
