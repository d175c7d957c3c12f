// Command h2probe dials a single HTTP/2 connection and issues one request,
// printing the response head and body length. It replaces the teacher's
// stress-test harness (qps loop, pprof server, connection pool) with a
// single-shot probe scoped to what this package actually exposes: one
// connection, not a pool.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vionix/h2conn"
)

var args struct {
	URL     string
	Timeout time.Duration
}

func init() {
	flag.StringVar(&args.URL, `url`, `https://http2.golang.org/reqinfo`, `URL to request`)
	flag.DurationVar(&args.Timeout, `timeout`, 10*time.Second, `request timeout`)
	flag.Parse()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	u, err := url.Parse(args.URL)
	if err != nil {
		return errors.Wrap(err, `h2probe: bad url`)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	addr := u.Host
	if u.Port() == `` {
		addr += `:443`
	}

	conn, err := h2.Dial(addr, &tls.Config{ServerName: u.Hostname()}, h2.WithLogger(logger))
	if err != nil {
		return errors.Wrap(err, `h2probe: dial failed`)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), args.Timeout)
	defer cancel()

	resp, err := conn.Request(ctx, &h2.Request{
		Method:    `GET`,
		Authority: u.Host,
		Scheme:    `https`,
		Path:      u.RequestURI(),
	})
	if err != nil {
		return errors.Wrap(err, `h2probe: request failed`)
	}
	defer resp.Body.Close()

	fmt.Printf("status %d\n", resp.Status)
	for _, h := range resp.Headers {
		fmt.Printf("%s: %s\n", h.Key, h.Value)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return errors.Wrap(err, `h2probe: reading body failed`)
	}
	fmt.Printf("body: %d bytes\n", n)

	return nil
}
