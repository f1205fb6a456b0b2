package ioadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/benji-backup/benji/internal/berrors"
)

// RBDAdapter talks to Ceph RBD images/snapshots by shelling out to the
// `rbd` CLI via os/exec rather than linking against a native Ceph client
// library. aio selects the "rbdaio" scheme name: both schemes share this
// implementation since they're only distinguished by name, not by
// required behavior (aio is a hint to callers about expected adapter
// concurrency, handled by simultaneousReads/Writes in the io entry
// configuration rather than by a second code path).
type RBDAdapter struct {
	aio bool
}

func NewRBDAdapter(aio bool) *RBDAdapter { return &RBDAdapter{aio: aio} }

func (a *RBDAdapter) Scheme() string {
	if a.aio {
		return "rbdaio"
	}
	return "rbd"
}

// rbdURI is "<pool>/<image>[@<snapshot>][?k=v&...]" per the
// external-interfaces URI scheme contract.
type rbdURI struct {
	pool, image, snapshot string
	opts                  map[string]string
}

func parseRBDURI(rest string) (rbdURI, error) {
	spec := rest
	opts := map[string]string{}
	if i := strings.Index(rest, "?"); i >= 0 {
		spec = rest[:i]
		for _, kv := range strings.Split(rest[i+1:], "&") {
			if kv == "" {
				continue
			}
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				opts[parts[0]] = parts[1]
			}
		}
	}
	poolImage := spec
	snapshot := ""
	if i := strings.Index(spec, "@"); i >= 0 {
		poolImage = spec[:i]
		snapshot = spec[i+1:]
	}
	parts := strings.SplitN(poolImage, "/", 2)
	if len(parts) != 2 {
		return rbdURI{}, fmt.Errorf("%w: rbd uri %q missing pool/image", berrors.ErrConfig, rest)
	}
	return rbdURI{pool: parts[0], image: parts[1], snapshot: snapshot, opts: opts}, nil
}

func (u rbdURI) spec() string {
	s := u.pool + "/" + u.image
	if u.snapshot != "" {
		s += "@" + u.snapshot
	}
	return s
}

func (u rbdURI) rbdArgs(args ...string) []string {
	full := append([]string{}, args...)
	if v, ok := u.opts["mon_host"]; ok {
		full = append(full, "--mon-host", v)
	}
	if v, ok := u.opts["client_identifier"]; ok {
		full = append(full, "--id", v)
	}
	if v, ok := u.opts["key"]; ok {
		full = append(full, "--key", v)
	}
	if v, ok := u.opts["keyring"]; ok {
		full = append(full, "--keyring", v)
	}
	return full
}

func (a *RBDAdapter) Open(ctx context.Context, uri string, mode Mode) (Handle, error) {
	scheme, rest, err := splitScheme(uri)
	if err != nil {
		return nil, err
	}
	if scheme != a.Scheme() {
		return nil, fmt.Errorf("%w: rbd adapter got scheme %q", berrors.ErrConfig, scheme)
	}
	u, err := parseRBDURI(rest)
	if err != nil {
		return nil, err
	}

	size, err := rbdInfoSize(ctx, u)
	if err != nil {
		return nil, err
	}

	if u.snapshot != "" && mode == ModeReadWrite {
		return nil, fmt.Errorf("%w: cannot open an rbd snapshot read-write", berrors.ErrConfig)
	}

	return &rbdHandle{uri: u, size: size}, nil
}

func rbdInfoSize(ctx context.Context, u rbdURI) (int64, error) {
	args := u.rbdArgs("info", "--format", "json", u.spec())
	out, err := exec.CommandContext(ctx, "rbd", args...).Output()
	if err != nil {
		return 0, fmt.Errorf("%w: rbd info %s: %v", berrors.ErrIO, u.spec(), err)
	}
	var info struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("%w: parsing rbd info output: %v", berrors.ErrIO, err)
	}
	return info.Size, nil
}

type rbdHandle struct {
	uri  rbdURI
	size int64
}

func (h *rbdHandle) Size(ctx context.Context) (int64, error) { return h.size, nil }

// BlockSizeHint nudges callers toward RBD's own 4 MiB object size, which
// happens to match the default configured blockSize.
func (h *rbdHandle) BlockSizeHint() int64 { return 4 * 1024 * 1024 }

func (h *rbdHandle) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	args := h.uri.rbdArgs("export", "--offset", strconv.FormatInt(offset, 10),
		"--length", strconv.FormatInt(length, 10), h.uri.spec(), "-")
	cmd := exec.CommandContext(ctx, "rbd", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: rbd export %s: %v", berrors.ErrIO, h.uri.spec(), err)
	}
	return out.Bytes(), nil
}

// Write is unsupported by the CLI-only adapter: `rbd` has no single-call
// "write bytes at offset" primitive the way librbd's API does. The read
// path above covers backup, scrub, and NBD read-only export in full;
// restoring onto an rbd destination requires a librbd-linked build,
// which is out of scope for this CLI-shelling adapter.
func (h *rbdHandle) Write(ctx context.Context, offset int64, data []byte) error {
	if h.uri.snapshot != "" {
		return fmt.Errorf("%w: cannot write to an rbd snapshot", berrors.ErrPolicyViolation)
	}
	return fmt.Errorf("%w: rbd CLI adapter does not support offset writes; use a librbd-linked build for restore targets", berrors.ErrIO)
}

func (h *rbdHandle) Discard(ctx context.Context, offset, length int64) error {
	args := h.uri.rbdArgs("sparsify", h.uri.spec())
	if err := exec.CommandContext(ctx, "rbd", args...).Run(); err != nil {
		return fmt.Errorf("%w: rbd sparsify %s: %v", berrors.ErrIO, h.uri.spec(), err)
	}
	return nil
}

// Hints runs `rbd diff --format=json` on the image or snapshot the URI
// names (no --from-snap, so it reports every allocated extent) and
// parses the output with ParseHints, since the hints file format is
// "compatible with rbd diff --format=json".
func (h *rbdHandle) Hints(ctx context.Context) (HintIterator, error) {
	args := h.uri.rbdArgs("diff", "--format", "json", h.uri.spec())
	out, err := exec.CommandContext(ctx, "rbd", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: rbd diff %s: %v", berrors.ErrIO, h.uri.spec(), err)
	}
	it, err := ParseHints(out)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing rbd diff output: %v", berrors.ErrIO, err)
	}
	return it, nil
}

func (h *rbdHandle) Close() error { return nil }

type sliceHintIterator struct {
	hints []Hint
	pos   int
}

func (it *sliceHintIterator) Next(ctx context.Context) (Hint, bool, error) {
	if it.pos >= len(it.hints) {
		return Hint{}, false, nil
	}
	h := it.hints[it.pos]
	it.pos++
	return h, true, nil
}
