package listener

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

const (
	unixScheme  = "unix://"
	vsockScheme = "vsock://"
)

// Listen 按地址格式监听 tcp、unix://path 或 vsock://[cid:]port。
func Listen(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, unixScheme):
		path := strings.TrimPrefix(addr, unixScheme)
		if err := removeStaleSocket(path); err != nil {
			return nil, err
		}
		return net.Listen("unix", path)
	case strings.HasPrefix(addr, vsockScheme):
		cid, port, hasCID, err := parseVsock(strings.TrimPrefix(addr, vsockScheme))
		if err != nil {
			return nil, err
		}
		if hasCID {
			return vsock.ListenContextID(cid, port, nil)
		}
		return vsock.Listen(port, nil)
	default:
		return net.Listen("tcp", addr)
	}
}

// Dial 按与 Listen 相同的地址格式建立连接，vsock 必须携带 cid。
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(addr, unixScheme):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(addr, unixScheme))
	case strings.HasPrefix(addr, vsockScheme):
		cid, port, hasCID, err := parseVsock(strings.TrimPrefix(addr, vsockScheme))
		if err != nil {
			return nil, err
		}
		if !hasCID {
			return nil, fmt.Errorf("vsock endpoint %q needs a context id", addr)
		}
		return dialVsock(ctx, cid, port)
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
}

func parseVsock(target string) (cid, port uint32, hasCID bool, err error) {
	rawCID, rawPort, found := strings.Cut(target, ":")
	if !found {
		rawPort = rawCID
	}
	p, err := strconv.ParseUint(rawPort, 10, 32)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid vsock port: %w", err)
	}
	if !found {
		return 0, uint32(p), false, nil
	}
	c, err := strconv.ParseUint(rawCID, 10, 32)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid vsock cid: %w", err)
	}
	return uint32(c), uint32(p), true, nil
}

func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(cid, port, nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
