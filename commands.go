package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"asyncmail/codec"
	"asyncmail/email"
	"asyncmail/gateway"
	"asyncmail/health"
	"asyncmail/internal/audit"
	"asyncmail/internal/config"
	"asyncmail/storage"
	"asyncmail/transport"
)

const defaultConfigFile = "asyncmail.yaml"

type rootOptions struct {
	configFile string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "asyncmail",
		Short: "Queue outgoing email and deliver it in the background",
		Long: `asyncmail takes outgoing email off the request path: messages are
encoded, split into chunks and queued, and a worker pool delivers them
through the configured transport, retrying failed messages one by one.

Example:
  asyncmail worker                         # run the delivery worker
  asyncmail send --to a@example.com ...    # send one message inline
  asyncmail backends                       # list transports`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				audit.Set(true)
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default is ./"+defaultConfigFile+" when present)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug output")

	root.AddCommand(newWorkerCmd(opts))
	root.AddCommand(newSendCmd(opts))
	root.AddCommand(newBackendsCmd())
	root.AddCommand(newConfigCmd(opts))
	root.AddCommand(newDeadCmd(opts))
	return root
}

func (o *rootOptions) load() (*config.Config, error) {
	path := o.configFile
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Verbose() {
		audit.Set(true)
	}
	return cfg, nil
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the queue workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, false, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.HealthAddr == "" {
				audit.Logger().Warn("health_addr is empty; no intake, only spooled tasks will run")
			} else {
				srv, ln, err := health.StartHealthServer(cfg.HealthAddr, health.Route{
					Pattern: gateway.SubmitPath,
					Handler: gateway.Handler(a.gateway),
				})
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
					_ = ln.Close()
				}()
				audit.Logger().Info("accepting submissions", "addr", ln.Addr().String(), "path", gateway.SubmitPath)
			}

			if err := a.manager.Start(ctx); err != nil {
				return err
			}
			audit.Logger().Info("worker running", "backend", cfg.Backend, "task", cfg.Task.Name, "durable", cfg.Task.IsDurable())
			<-ctx.Done()
			audit.Logger().Info("shutting down", "pending", a.manager.Depth())
			return nil
		},
	}
}

type sendOptions struct {
	from    string
	to      []string
	cc      []string
	bcc     []string
	replyTo []string
	subject string
	body    string
	html    string
	attach  []string
	headers []string
	params  []string
	submit  string
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	so := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver one message inline or queue it on a running worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			msg, err := so.message()
			if err != nil {
				return err
			}
			params, err := parseParams(so.params)
			if err != nil {
				return err
			}

			if so.submit != "" {
				return submitRemote(cmd, cfg, so.submit, msg, params)
			}

			a, err := newApp(cfg, true, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			handles, err := a.gateway.Send(cmd.Context(), []any{msg}, params)
			if err != nil {
				return err
			}
			total := 0
			for _, h := range handles {
				n, err := h.Wait(cmd.Context())
				if err != nil {
					return err
				}
				total += n
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "sent %d message(s)\n", total)
			if total == 0 {
				return errors.New("message was not delivered")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.from, "from", "", "sender address")
	f.StringSliceVar(&so.to, "to", nil, "recipient addresses")
	f.StringSliceVar(&so.cc, "cc", nil, "cc addresses")
	f.StringSliceVar(&so.bcc, "bcc", nil, "bcc addresses")
	f.StringSliceVar(&so.replyTo, "reply-to", nil, "reply-to addresses")
	f.StringVarP(&so.subject, "subject", "s", "", "subject line")
	f.StringVarP(&so.body, "body", "b", "", "plain text body")
	f.StringVar(&so.html, "html", "", "HTML alternative body")
	f.StringSliceVarP(&so.attach, "attach", "a", nil, "files to attach")
	f.StringArrayVarP(&so.headers, "header", "H", nil, "extra header as Name: value")
	f.StringArrayVarP(&so.params, "param", "p", nil, "transport parameter as key=value")
	f.StringVar(&so.submit, "submit", "", "queue on the worker serving this URL instead of delivering inline")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (so *sendOptions) message() (*email.Message, error) {
	m := email.New(so.subject, so.body, so.from, so.to...)
	m.Cc = so.cc
	m.Bcc = so.bcc
	m.ReplyTo = so.replyTo
	for _, h := range so.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("header %q: want Name: value", h)
		}
		m.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if so.html != "" {
		m.AttachAlternative(so.html, "text/html")
	}
	for _, path := range so.attach {
		if err := m.AttachFile(path, ""); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// submitRemote hands msg to a running worker and reports the queued tasks.
func submitRemote(cmd *cobra.Command, cfg *config.Config, url string, msg *email.Message, params transport.Params) error {
	wire, err := codec.New(cfg.MessageExtraAttributes).Encode(msg)
	if err != nil {
		return err
	}
	resp, err := gateway.Submit(cmd.Context(), nil, url, codec.Batch{wire}, params)
	if err != nil {
		return err
	}
	for _, id := range resp.Tasks {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "queued %d message(s) in %d task(s)\n", resp.Messages, len(resp.Tasks))
	return nil
}

// parseParams turns key=value flags into transport parameters. Integers and
// booleans are converted so backends read them as such.
func parseParams(pairs []string) (transport.Params, error) {
	params := transport.Params{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: want key=value", pair)
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
			continue
		}
		if b, err := strconv.ParseBool(value); err == nil {
			params[key] = b
			continue
		}
		params[key] = value
	}
	return params, nil
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the registered transport backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range transport.Default.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			shown := *cfg
			shown.DKIM.PrivateKey = redact(shown.DKIM.PrivateKey)
			if _, ok := shown.BackendParams["password"]; ok {
				shown.BackendParams = transport.Params(shown.BackendParams).Clone()
				shown.BackendParams["password"] = redact("set")
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(shown); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}

func newDeadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List tasks that ran out of retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			spool, err := storage.Open(cfg.Queue.SpoolPath)
			if err != nil {
				return err
			}
			defer spool.Close()

			tasks, err := spool.Dead()
			if err != nil {
				return err
			}
			for _, task := range tasks {
				for _, w := range task.Messages {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%s\t%s\n",
						task.ID, task.Attempts, strings.Join(w.To, ","), w.Subject, task.LastError)
				}
			}
			return nil
		},
	}
}
