package ioadapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/benji-backup/benji/internal/berrors"
)

// ISCSIAdapter logs into an iSCSI target via iscsiadm and then treats the
// resulting local device node like a raw block device. As with
// RBDAdapter, there is no native iSCSI initiator library to reach for,
// so this shells out to the iscsiadm CLI the same way other external
// tool integrations in this codebase shell out to their binaries.
type ISCSIAdapter struct{}

func NewISCSIAdapter() *ISCSIAdapter { return &ISCSIAdapter{} }

func (*ISCSIAdapter) Scheme() string { return "iscsi" }

func (a *ISCSIAdapter) Open(ctx context.Context, uri string, mode Mode) (Handle, error) {
	scheme, targetSpec, err := splitScheme(uri)
	if err != nil {
		return nil, err
	}
	if scheme != "iscsi" {
		return nil, fmt.Errorf("%w: iscsi adapter got scheme %q", berrors.ErrConfig, scheme)
	}

	devicePath, err := iscsiLogin(ctx, targetSpec)
	if err != nil {
		return nil, err
	}

	file := NewFileAdapter()
	h, err := file.Open(ctx, "file:"+devicePath, mode)
	if err != nil {
		return nil, err
	}
	return &iscsiHandle{Handle: h, targetSpec: targetSpec}, nil
}

// iscsiLogin runs `iscsiadm -m node -p <portal> -T <iqn> --login` and resolves the
// resulting device node under /dev/disk/by-path. Target specs are of the
// form "<portal>/<iqn>".
func iscsiLogin(ctx context.Context, targetSpec string) (string, error) {
	parts := strings.SplitN(targetSpec, "/", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: iscsi target spec %q must be <portal>/<iqn>", berrors.ErrConfig, targetSpec)
	}
	portal, iqn := parts[0], parts[1]

	login := exec.CommandContext(ctx, "iscsiadm", "-m", "node", "-p", portal, "-T", iqn, "--login")
	if out, err := login.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: iscsiadm login %s: %v (%s)", berrors.ErrIO, targetSpec, err, string(out))
	}

	devicePath := fmt.Sprintf("/dev/disk/by-path/ip-%s-iscsi-%s-lun-0", portal, iqn)
	if _, err := os.Stat(devicePath); err != nil {
		return "", fmt.Errorf("%w: device node %s not present after login: %v", berrors.ErrIO, devicePath, err)
	}
	return devicePath, nil
}

type iscsiHandle struct {
	Handle
	targetSpec string
}

func (h *iscsiHandle) Close() error {
	if err := h.Handle.Close(); err != nil {
		return err
	}
	parts := strings.SplitN(h.targetSpec, "/", 2)
	if len(parts) != 2 {
		return nil
	}
	logout := exec.Command("iscsiadm", "-m", "node", "-p", parts[0], "-T", parts[1], "--logout")
	_ = logout.Run() // best-effort: a failed logout leaves the session idle, not the backup failed
	return nil
}
