// Package nbd implements the read-only and copy-on-write read-write NBD
// export server: standard newstyle handshake, fixed newstyle option
// negotiation, NBD_CMD_READ/WRITE/DISC/FLUSH, and COW fixation of writes
// into a new Version on disconnect.
//
// Each connection is served on its own goroutine by a request loop over
// the exported version's blocks; the listener accepts connections until
// its context is canceled.
package nbd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants from the NBD protocol specification
// (https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md).
const (
	magicNBD     uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	magicIHaveOpt uint64 = 0x49484156454f5054 // "IHAVEOPT"
	magicOptReply uint64 = 0x3e889045565a9

	magicRequest uint64 = 0x25609513
	magicReply   uint64 = 0x67446698

	flagFixedNewstyle uint16 = 1 << 0
	flagNoZeroes      uint16 = 1 << 1

	clientFlagFixedNewstyle uint32 = 1 << 0

	optExportName uint32 = 1
	optAbort      uint32 = 2
	optList       uint32 = 3

	repAck       uint32 = 1
	repServer    uint32 = 2
	repErrUnsup  uint32 = 1<<31 + 1

	transmitFlagHasFlags  uint16 = 1 << 0
	transmitFlagReadOnly  uint16 = 1 << 1
	transmitFlagSendFlush uint16 = 1 << 2
	transmitFlagSendDisc  uint16 = 1 << 3

	cmdRead  uint16 = 0
	cmdWrite uint16 = 1
	cmdDisc  uint16 = 2
	cmdFlush uint16 = 3
)

// serverHandshake performs the fixed-newstyle negotiation and returns the
// exported Version's uid chosen by the client ("" means the default
// export). It tolerates an immediate client disconnect after the option
// negotiation (a workaround some NBD clients need): an EOF at this point
// is reported via the sentinel errClientDisconnected rather than
// propagated as a hard error.
func serverHandshake(rw io.ReadWriter) (exportName string, err error) {
	if err := binary.Write(rw, binary.BigEndian, magicNBD); err != nil {
		return "", err
	}
	if err := binary.Write(rw, binary.BigEndian, magicIHaveOpt); err != nil {
		return "", err
	}
	if err := binary.Write(rw, binary.BigEndian, flagFixedNewstyle|flagNoZeroes); err != nil {
		return "", err
	}

	var clientFlags uint32
	if err := binary.Read(rw, binary.BigEndian, &clientFlags); err != nil {
		if err == io.EOF {
			return "", errClientDisconnected
		}
		return "", fmt.Errorf("reading client flags: %w", err)
	}

	for {
		var gotIHaveOpt uint64
		if err := binary.Read(rw, binary.BigEndian, &gotIHaveOpt); err != nil {
			if err == io.EOF {
				return "", errClientDisconnected
			}
			return "", fmt.Errorf("reading option magic: %w", err)
		}
		if gotIHaveOpt != magicIHaveOpt {
			return "", fmt.Errorf("nbd: bad option magic %#x", gotIHaveOpt)
		}
		var opt uint32
		var length uint32
		if err := binary.Read(rw, binary.BigEndian, &opt); err != nil {
			return "", err
		}
		if err := binary.Read(rw, binary.BigEndian, &length); err != nil {
			return "", err
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(rw, data); err != nil {
			return "", err
		}

		switch opt {
		case optExportName:
			return string(data), nil
		case optAbort:
			return "", errClientDisconnected
		default:
			if err := sendOptReply(rw, opt, repErrUnsup, nil); err != nil {
				return "", err
			}
		}
	}
}

func sendOptReply(w io.Writer, opt uint32, replyType uint32, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, magicOptReply); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, opt); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, replyType); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// sendExportInfo completes NBD_OPT_EXPORT_NAME by writing the export's
// size and transmission flags (64+16 bits, plus 124 bytes of zero padding
// since flagNoZeroes is not set by every client despite us offering it).
func sendExportInfo(w io.Writer, size int64, readOnly bool) error {
	if err := binary.Write(w, binary.BigEndian, uint64(size)); err != nil {
		return err
	}
	flags := transmitFlagHasFlags | transmitFlagSendFlush | transmitFlagSendDisc
	if readOnly {
		flags |= transmitFlagReadOnly
	}
	if err := binary.Write(w, binary.BigEndian, flags); err != nil {
		return err
	}
	var pad [124]byte
	_, err := w.Write(pad[:])
	return err
}

type request struct {
	flags  uint16
	typ    uint16
	handle uint64
	offset uint64
	length uint32
}

func readRequest(r io.Reader) (request, error) {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return request{}, err
	}
	if magic != uint32(magicRequest) {
		return request{}, fmt.Errorf("nbd: bad request magic %#x", magic)
	}
	var req request
	if err := binary.Read(r, binary.BigEndian, &req.flags); err != nil {
		return request{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &req.typ); err != nil {
		return request{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &req.handle); err != nil {
		return request{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &req.offset); err != nil {
		return request{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &req.length); err != nil {
		return request{}, err
	}
	return req, nil
}

func writeReplyHeader(w io.Writer, handle uint64, errno uint32) error {
	if err := binary.Write(w, binary.BigEndian, magicReply); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, errno); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, handle)
}

// errClientDisconnected signals that the remote side closed the
// connection during negotiation; the caller treats this as routine
// cleanup, not a logged error (some NBD clients probe this way).
var errClientDisconnected = fmt.Errorf("nbd: client disconnected during negotiation")
