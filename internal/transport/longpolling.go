package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const pollCloseTimeout = 5 * time.Second

// lpLink emulates a duplex link with a GET poll loop for receiving and
// one POST per outgoing record.
type lpLink struct {
	client *http.Client
	poller *http.Client
	target string
	header http.Header

	frames chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	sendMu    sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func openLongPolling(ctx context.Context, client *http.Client, ep *endpoint) (*lpLink, error) {
	u, err := withID(ep.url, ep.neg.token())
	if err != nil {
		return nil, err
	}

	// polls are held open by the server, so the client timeout must not apply
	poller := *client
	poller.Timeout = 0

	lctx, cancel := context.WithCancel(context.Background())
	l := &lpLink{
		client: client,
		poller: &poller,
		target: u.String(),
		header: ep.header,
		frames: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		ctx:    lctx,
		cancel: cancel,
	}

	// the first poll confirms the connection before anything is sent
	data, status, err := l.poll(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("long polling: %w", err)
	}
	if status != http.StatusOK {
		cancel()
		return nil, fmt.Errorf("long polling: unexpected status %d", status)
	}
	if len(data) > 0 {
		l.frames <- data
	}

	go l.pollLoop()
	return l, nil
}

func (l *lpLink) Frames() <-chan []byte {
	return l.frames
}

func (l *lpLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lpLink) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.shutdown()
}

func (l *lpLink) shutdown() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.cancel()
	})
}

func (l *lpLink) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	l.shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), pollCloseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, l.target, nil)
	if err != nil {
		return err
	}
	l.applyHeader(req)
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (l *lpLink) Send(data []byte) error {
	select {
	case <-l.done:
		return ErrConnectionClosed
	default:
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	req, err := http.NewRequestWithContext(l.ctx, http.MethodPost, l.target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	l.applyHeader(req)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("long polling send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("long polling send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (l *lpLink) applyHeader(req *http.Request) {
	for k, v := range l.header {
		req.Header[k] = v
	}
}

func (l *lpLink) poll(ctx context.Context) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		l.target+"&_="+strconv.FormatInt(time.Now().UnixMilli(), 10), nil)
	if err != nil {
		return nil, 0, err
	}
	l.applyHeader(req)

	resp, err := l.poller.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func (l *lpLink) pollLoop() {
	defer close(l.frames)

	for {
		data, status, err := l.poll(l.ctx)
		if err != nil {
			select {
			case <-l.done:
			default:
				l.fail(fmt.Errorf("long polling: %w", err))
			}
			return
		}

		switch status {
		case http.StatusOK:
			if len(data) > 0 {
				select {
				case l.frames <- data:
				case <-l.done:
					return
				}
			}
		case http.StatusNoContent:
			// server ended the connection
			l.shutdown()
			return
		case http.StatusNotFound:
			l.fail(ErrConnectionClosed)
			return
		default:
			l.fail(fmt.Errorf("long polling: unexpected status %d", status))
			return
		}
	}
}
