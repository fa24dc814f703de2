package local

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	libvirt "github.com/digitalocean/go-libvirt"
)

// Hypervisor is the part of libvirt the driver uses
type Hypervisor interface {
	// Start defines the domain and boots it
	Start(ctx context.Context, xml string) error
	// State returns the libvirt domain state of the named domain
	State(ctx context.Context, name string) (libvirt.DomainState, error)
	// Remove stops the domain if it runs and undefines it
	Remove(ctx context.Context, name string) error
}

// ErrDomainNotFound is returned for domains libvirt does not know
var ErrDomainNotFound = errors.New("domain not found")

// socketHypervisor opens one libvirt RPC connection per call over the
// daemon's unix socket
type socketHypervisor struct {
	socket  string
	timeout time.Duration
}

func (h *socketHypervisor) with(ctx context.Context, fn func(l *libvirt.Libvirt) error) error {
	dialer := net.Dialer{Timeout: h.timeout}
	conn, err := dialer.DialContext(ctx, "unix", h.socket)
	if err != nil {
		return fmt.Errorf("failed to dial libvirt at %s: %w", h.socket, err)
	}
	if h.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(h.timeout))
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	defer l.Disconnect()
	return fn(l)
}

func (h *socketHypervisor) Start(ctx context.Context, xml string) error {
	return h.with(ctx, func(l *libvirt.Libvirt) error {
		dom, err := l.DomainDefineXML(xml)
		if err != nil {
			return fmt.Errorf("define domain: %w", err)
		}
		if err := l.DomainCreate(dom); err != nil {
			_ = l.DomainUndefine(dom)
			return fmt.Errorf("start domain: %w", err)
		}
		return nil
	})
}

func (h *socketHypervisor) State(ctx context.Context, name string) (libvirt.DomainState, error) {
	var state libvirt.DomainState
	err := h.with(ctx, func(l *libvirt.Libvirt) error {
		dom, err := l.DomainLookupByName(name)
		if err != nil {
			return notFound(err)
		}
		st, _, err := l.DomainGetState(dom, 0)
		if err != nil {
			return notFound(err)
		}
		state = libvirt.DomainState(st)
		return nil
	})
	return state, err
}

func (h *socketHypervisor) Remove(ctx context.Context, name string) error {
	return h.with(ctx, func(l *libvirt.Libvirt) error {
		dom, err := l.DomainLookupByName(name)
		if err != nil {
			return notFound(err)
		}
		st, _, err := l.DomainGetState(dom, 0)
		if err == nil && libvirt.DomainState(st) != libvirt.DomainShutoff {
			if err := l.DomainDestroy(dom); err != nil {
				return notFound(err)
			}
		}
		if err := l.DomainUndefine(dom); err != nil {
			return notFound(err)
		}
		return nil
	})
}

// notFound maps libvirt's "no domain" error onto ErrDomainNotFound
func notFound(err error) error {
	var lerr libvirt.Error
	if errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoDomain) {
		return fmt.Errorf("%w: %s", ErrDomainNotFound, lerr.Message)
	}
	if strings.Contains(err.Error(), "Domain not found") {
		return fmt.Errorf("%w: %v", ErrDomainNotFound, err)
	}
	return err
}
