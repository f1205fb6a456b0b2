package nbd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/benji-backup/benji/internal/berrors"
	"github.com/benji-backup/benji/internal/hashindex"
	"github.com/benji-backup/benji/internal/metadata"
	"github.com/benji-backup/benji/internal/metrics"
	"github.com/benji-backup/benji/internal/storageadapter"
	"github.com/benji-backup/benji/internal/transform"
	"github.com/benji-backup/benji/internal/types"
)

// Config parameterizes the listener. Security note: the
// default bind address is loopback-only; binding elsewhere is permitted
// but logged as a warning, since the protocol carries neither auth nor
// transport encryption.
type Config struct {
	BindAddress string
	BindPort    int
	ReadOnly    bool
	Transforms  []string // transforms applied to freshly-dirtied COW blocks
	NegotiationTimeout time.Duration
}

func (c Config) negotiationTimeout() time.Duration {
	if c.NegotiationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NegotiationTimeout
}

// Server exports every Version in Store as an NBD device named by its
// uid. Read-write exports copy writes into a lazily-created COW Version
// that is fixated on disconnect.
type Server struct {
	Store   metadata.Store
	Storage storageadapter.Adapter
	Chain   *transform.Chain
	Cache   *BlockCache
	COW     *COWStore
	Guard   *hashindex.WriteGuard
	Logger  zerolog.Logger
	Config  Config
}

// ListenAndServe binds and accepts connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Config.BindAddress
	if addr == "" {
		addr = "127.0.0.1"
	}
	if addr != "127.0.0.1" && addr != "localhost" && addr != "::1" {
		s.Logger.Warn().Str("address", addr).Msg("nbd server binding to a non-loopback address: the protocol has no authentication or transport encryption")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, s.Config.BindPort))
	if err != nil {
		return fmt.Errorf("%w: listening on %s:%d: %v", berrors.ErrConfig, addr, s.Config.BindPort, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.Logger.Info().Str("address", addr).Int("port", s.Config.BindPort).Bool("read_only", s.Config.ReadOnly).Msg("nbd server listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting nbd connection: %w", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	metrics.NBDActiveExports.Inc()
	defer metrics.NBDActiveExports.Dec()
	defer conn.Close()

	logger := s.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	_ = conn.SetDeadline(time.Now().Add(s.Config.negotiationTimeout()))
	exportName, err := serverHandshake(conn)
	if err != nil {
		if errors.Is(err, errClientDisconnected) {
			logger.Debug().Msg("client disconnected during negotiation")
			return
		}
		logger.Error().Err(err).Msg("nbd handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	version, err := s.Store.GetVersion(ctx, exportName)
	if err != nil {
		logger.Error().Err(err).Str("export", exportName).Msg("unknown export requested")
		return
	}

	readOnly := s.Config.ReadOnly
	if err := sendExportInfo(conn, version.Size, readOnly); err != nil {
		logger.Error().Err(err).Msg("sending export info")
		return
	}

	sess := &session{
		server:  s,
		conn:    conn,
		logger:  logger,
		version: version,
		readOnly: readOnly,
	}
	sess.serve(ctx)

	if !readOnly && sess.cowUID != "" {
		fixed, err := (&Fixator{
			Store:   s.Store,
			Storage: s.Storage,
			Chain:   s.Chain,
			Guard:   s.Guard,
			COW:     s.COW,
		}).Fixate(ctx, version, sess.cowUID, s.Config.Transforms, time.Now().UTC())
		if err != nil {
			logger.Error().Err(err).Msg("fixating cow version failed")
			return
		}
		logger.Info().Str("cow_version", fixed.UID).Msg("cow version fixated")
	}
}

// session holds the per-connection state for one export: the cowUID is
// reserved lazily on the first write, so a read-only session for a
// read-write export never creates an empty Version.
type session struct {
	server   *Server
	conn     net.Conn
	logger   zerolog.Logger
	version  types.Version
	readOnly bool
	cowUID   string
}

func (sess *session) serve(ctx context.Context) {
	for {
		req, err := readRequest(sess.conn)
		if err != nil {
			return // connection closed or protocol error; nothing more to read
		}
		switch req.typ {
		case cmdRead:
			sess.handleRead(ctx, req)
		case cmdWrite:
			sess.handleWrite(ctx, req)
		case cmdFlush:
			_ = writeReplyHeader(sess.conn, req.handle, 0)
		case cmdDisc:
			return
		default:
			_ = writeReplyHeader(sess.conn, req.handle, 38) // ENOTSUP
		}
	}
}

func (sess *session) blockSize() int64 { return sess.version.BlockSize }

// rangeToIndices maps a byte range to the inclusive block index range it covers.
func (sess *session) rangeToIndices(offset, length int64) (int64, int64) {
	start := offset / sess.blockSize()
	end := (offset + length - 1) / sess.blockSize()
	return start, end
}

func (sess *session) handleRead(ctx context.Context, req request) {
	data := make([]byte, req.length)
	startIdx, endIdx := sess.rangeToIndices(int64(req.offset), int64(req.length))
	var cursor int64
	for idx := startIdx; idx <= endIdx; idx++ {
		block, err := sess.readBlock(ctx, idx)
		if err != nil {
			sess.logger.Error().Err(err).Int64("block_idx", idx).Msg("nbd read failed")
			_ = writeReplyHeader(sess.conn, req.handle, 5) // EIO
			return
		}
		blockOffset := idx * sess.blockSize()
		srcStart := int64(req.offset) - blockOffset
		if srcStart < 0 {
			srcStart = 0
		}
		n := copy(data[cursor:], block[srcStart:])
		cursor += int64(n)
	}
	if err := writeReplyHeader(sess.conn, req.handle, 0); err != nil {
		return
	}
	_, _ = sess.conn.Write(data)
}

// readBlock returns idx's plaintext, preferring a dirtied COW block over
// the original, then the cache, then a Storage fetch.
func (sess *session) readBlock(ctx context.Context, idx int64) ([]byte, error) {
	if sess.cowUID != "" {
		if dirty, ok := sess.server.COW.Read(sess.cowUID, idx); ok {
			return padToBlockSize(dirty, sess.blockSize()), nil
		}
	}
	blk, err := sess.server.Store.GetBlock(ctx, sess.version.UID, idx)
	if err != nil {
		return nil, err
	}
	if blk.Sparse() {
		return make([]byte, blk.Size), nil
	}
	if cached, ok := sess.server.Cache.Get(ctx, blk.UID); ok {
		return cached, nil
	}
	key := storageadapter.ObjectKey(fmt.Sprintf("blocks/%d-%d", blk.UID.Left, blk.UID.Right))
	raw, sidecar, err := sess.server.Storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching block %d: %v", berrors.ErrStorage, idx, err)
	}
	headers := make(map[string]transform.Header, len(sidecar.TransformHeaders))
	for name, fields := range sidecar.TransformHeaders {
		headers[name] = transform.Header(fields)
	}
	plaintext, err := sess.server.Chain.Inverse(sidecar.Transforms, headers, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: inverse-transforming block %d: %v", berrors.ErrTransform, idx, err)
	}
	if blk.Checksum != nil {
		sum, err := hashindex.Sum(hashindex.Blake2b256, plaintext)
		if err == nil && !bytes.Equal(sum, blk.Checksum) {
			return nil, fmt.Errorf("%w: block %d checksum mismatch on nbd read", berrors.ErrStorageIntegrity, idx)
		}
	}
	sess.server.Cache.Put(ctx, blk.UID, plaintext)
	return plaintext, nil
}

func padToBlockSize(data []byte, blockSize int64) []byte {
	if int64(len(data)) >= blockSize {
		return data
	}
	out := make([]byte, blockSize)
	copy(out, data)
	return out
}

func (sess *session) handleWrite(ctx context.Context, req request) {
	if sess.readOnly {
		_ = writeReplyHeader(sess.conn, req.handle, 30) // EROFS
		return
	}
	payload := make([]byte, req.length)
	if _, err := readFull(sess.conn, payload); err != nil {
		sess.logger.Error().Err(err).Msg("reading nbd write payload")
		return
	}

	if sess.cowUID == "" {
		uid, err := sess.server.Store.NextVersionUID(ctx)
		if err != nil {
			sess.logger.Error().Err(err).Msg("reserving cow version uid")
			_ = writeReplyHeader(sess.conn, req.handle, 5)
			return
		}
		sess.cowUID = uid
	}

	startIdx, endIdx := sess.rangeToIndices(int64(req.offset), int64(req.length))
	var cursor int64
	for idx := startIdx; idx <= endIdx; idx++ {
		existing, err := sess.readBlock(ctx, idx)
		if err != nil {
			sess.logger.Error().Err(err).Int64("block_idx", idx).Msg("nbd write read-modify-write failed")
			_ = writeReplyHeader(sess.conn, req.handle, 5)
			return
		}
		merged := append([]byte(nil), existing...)
		blockOffset := idx * sess.blockSize()
		dstStart := int64(req.offset) - blockOffset
		if dstStart < 0 {
			dstStart = 0
		}
		n := copy(merged[dstStart:], payload[cursor:])
		cursor += int64(n)
		if err := sess.server.COW.Write(sess.cowUID, idx, merged); err != nil {
			sess.logger.Error().Err(err).Int64("block_idx", idx).Msg("writing to cow store")
			_ = writeReplyHeader(sess.conn, req.handle, 5)
			return
		}
	}
	_ = writeReplyHeader(sess.conn, req.handle, 0)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
