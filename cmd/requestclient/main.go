// Command requestclient выполняет запросы через сервис запросов.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/LLIEPJIOK/service-mesh/requests/internal/config"
	"github.com/LLIEPJIOK/service-mesh/requests/internal/logger"
	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
	meshclient "github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol/mesh/client"
)

// headerFlags собирает повторяющиеся -H "Name: value"
type headerFlags http.Header

func (h headerFlags) String() string {
	parts := make([]string, 0, len(h))
	for name, values := range h {
		parts = append(parts, name+": "+strings.Join(values, ","))
	}

	return strings.Join(parts, "; ")
}

func (h headerFlags) Set(v string) error {
	name, value, ok := strings.Cut(v, ":")
	if !ok {
		return fmt.Errorf("header must be Name: value, got %q", v)
	}

	http.Header(h).Add(strings.TrimSpace(name), strings.TrimSpace(value))

	return nil
}

type options struct {
	configPath string
	certFile   string
	keyFile    string
	method     string
	data       string
	headers    http.Header
	protocols  string
	command    string
	target     *url.URL
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "%v\n\nRun 'requestclient -h' for usage information.\n", err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("requestclient", flag.ContinueOnError)

	opts := options{headers: http.Header{}}

	fs.StringVar(&opts.configPath, "config", "config.yaml", "path to YAML config")
	fs.StringVar(&opts.certFile, "cert", "", "client certificate PEM file, overrides tls.cert_file")
	fs.StringVar(&opts.keyFile, "key", "", "client key PEM file, overrides tls.key_file")
	fs.StringVar(&opts.method, "X", http.MethodGet, "HTTP method for fetch")
	fs.StringVar(&opts.data, "d", "", "request body for fetch, @file reads it from a file")
	fs.StringVar(&opts.protocols, "protocols", "", "comma-separated websocket subprotocols")
	fs.Var(headerFlags(opts.headers), "H", "request header \"Name: value\", can be repeated")

	fs.Usage = func() {
		fmt.Fprint(fs.Output(), `requestclient - run HTTP requests and websockets through the request service

USAGE:
    requestclient [FLAGS] fetch URL    Print the response body to stdout, status and headers to stderr
    requestclient [FLAGS] ws URL       Send stdin lines as text messages, print received messages

FLAGS:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return opts, errors.New("expected a command and a URL")
	}

	opts.command = fs.Arg(0)
	if opts.command != "fetch" && opts.command != "ws" {
		return opts, fmt.Errorf("unknown command: %s", opts.command)
	}

	u, err := url.Parse(fs.Arg(1))
	if err != nil {
		return opts, fmt.Errorf("invalid url: %w", err)
	}

	opts.target = u

	return opts, nil
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	if opts.certFile != "" {
		cfg.TLS.CertFile = opts.certFile
	}

	if opts.keyFile != "" {
		cfg.TLS.KeyFile = opts.keyFile
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	var answer func() *protocol.Certificate

	if cfg.TLS.CertFile != "" {
		w, err := meshclient.NewCertificateWatcher(cfg.TLS.CertFile, cfg.TLS.KeyFile, log)
		if err != nil {
			return err
		}

		w.Start(ctx)
		defer w.Stop()

		answer = w.Answer
	}

	switch opts.command {
	case "fetch":
		body, err := readData(opts.data)
		if err != nil {
			return err
		}

		return fetch(ctx, client, fetchOptions{
			method:  opts.method,
			target:  opts.target,
			headers: opts.headers,
			body:    body,
			answer:  answer,
		}, os.Stdout, os.Stderr)
	default:
		var protocols []string
		if opts.protocols != "" {
			protocols = strings.Split(opts.protocols, ",")
		}

		return relay(ctx, client, relayOptions{
			target:    opts.target,
			headers:   opts.headers,
			protocols: protocols,
			answer:    answer,
		}, os.Stdin, os.Stdout)
	}
}

func connect(ctx context.Context, cfg *config.Config, log *slog.Logger) (*protocol.Client, error) {
	clientCfg := protocol.DefaultClientConfig(cfg.Client.ServiceURL)
	clientCfg.CallTimeout = cfg.Client.CallTimeout
	clientCfg.MaxBodySize = cfg.Client.MaxBodySize
	clientCfg.PreconnectRate = rate.Limit(cfg.Client.PreconnectRate)
	clientCfg.PreconnectBurst = cfg.Client.PreconnectBurst
	clientCfg.Logger = log

	if cfg.Client.ServiceURL == "" {
		mc, err := meshclient.New(ctx, meshclient.Config{
			ServiceName: cfg.Client.ServiceName,
			TargetName:  cfg.Client.TargetName,
			Client:      clientCfg,
		})
		if err != nil {
			return nil, err
		}

		log.Info("using request service", "container", mc.Container)

		return mc.Client, nil
	}

	client := protocol.NewClient(clientCfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

func readData(data string) (io.Reader, error) {
	if data == "" {
		return nil, nil
	}

	if name, ok := strings.CutPrefix(data, "@"); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}

		return bytes.NewReader(data), nil
	}

	return strings.NewReader(data), nil
}
