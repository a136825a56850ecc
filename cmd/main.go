package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/sourcegraph/conc"
	"github.com/uole/chanmux"
	"github.com/uole/chanmux/config"
	"github.com/uole/chanmux/internal/arith"
	"github.com/uole/chanmux/internal/utils"
	"github.com/uole/chanmux/pkg/rpc"
	"github.com/uole/chanmux/version"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func loadConfig(c *cli.Context) (cfg *config.Config, err error) {
	if path := c.String("config"); path != "" {
		if cfg, err = config.Load(path); err != nil {
			return
		}
	} else {
		cfg = config.New()
	}
	if v := c.String("proto"); v != "" {
		cfg.Transport.Proto = v
	}
	if v := c.String("address"); v != "" {
		cfg.Transport.Address = v
	}
	if err = cfg.Validate(); err != nil {
		return
	}
	var logger *zap.Logger
	if logger, err = chanmux.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		return
	}
	chanmux.SetLogger(logger)
	return
}

func connectionInfo(cfg *config.Config) (*chanmux.ConnectionInfo, error) {
	secret, err := utils.DecryptSecret(cfg.Transport.SecretKey)
	if err != nil {
		return nil, err
	}
	return &chanmux.ConnectionInfo{
		Proto:       cfg.Transport.Proto,
		Address:     cfg.Transport.Address,
		SecretKey:   utils.DeriveKey(secret),
		Compress:    cfg.Transport.Compress,
		CertFile:    cfg.Transport.CertFile,
		KeyFile:     cfg.Transport.KeyFile,
		IdleTimeout: cfg.Transport.IdleTimeout,
		Attempts:    cfg.Transport.Attempts,
	}, nil
}

func channelOptions(cfg *config.Config) []chanmux.Option {
	return []chanmux.Option{
		chanmux.WithMaxFrameSize(cfg.Channel.MaxFrameSize),
		chanmux.WithChunkSize(cfg.Channel.ChunkSize),
		chanmux.WithLogger(chanmux.Logger()),
	}
}

func serve(c *cli.Context) (err error) {
	var (
		cfg  *config.Config
		info *chanmux.ConnectionInfo
	)
	if cfg, err = loadConfig(c); err != nil {
		return
	}
	if info, err = connectionInfo(cfg); err != nil {
		return
	}
	l, err := chanmux.Listen(info)
	if err != nil {
		return
	}
	logger := chanmux.Logger()
	svr := chanmux.NewServer(l, func(ctx context.Context, sess *chanmux.Session) error {
		seq, root, err := chanmux.NewServerSequencer[rpc.Request[arith.Request], rpc.Response[arith.Response]](ctx, sess, channelOptions(cfg)...)
		if err != nil {
			return err
		}
		defer seq.Close()
		defer root.Close()
		return arith.NewService(seq, logger).Serve(ctx, root)
	},
		chanmux.WithProto(cfg.Transport.Proto),
		chanmux.WithHeartbeat(),
		chanmux.WithAcceptRate(c.Int("accept-rate")),
		chanmux.WithServerLogger(logger),
	)
	var g run.Group
	g.Add(svr.Serve, func(error) {
		_ = svr.Stop()
	})
	ctx, cancel := context.WithCancel(c.Context)
	g.Add(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			logger.Info("received signal", zap.Stringer("signal", s))
		case <-ctx.Done():
		}
		return nil
	}, func(error) {
		cancel()
	})
	return g.Run()
}

func call(c *cli.Context) (err error) {
	var (
		cfg  *config.Config
		info *chanmux.ConnectionInfo
		sess *chanmux.Session
	)
	if c.NArg() != 2 {
		return cli.ShowCommandHelp(c, "call")
	}
	a, err := strconv.ParseUint(c.Args().Get(0), 10, 32)
	if err != nil {
		return
	}
	b, err := strconv.ParseUint(c.Args().Get(1), 10, 32)
	if err != nil {
		return
	}
	if cfg, err = loadConfig(c); err != nil {
		return
	}
	if info, err = connectionInfo(cfg); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	if sess, err = chanmux.Dial(ctx, info); err != nil {
		return
	}
	seq, root, err := chanmux.NewClientSequencer[rpc.Response[arith.Response], rpc.Request[arith.Request]](ctx, sess, channelOptions(cfg)...)
	if err != nil {
		return
	}
	defer seq.Close()
	client := arith.NewClient(seq, root)
	defer client.Close()

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbGroup conc.WaitGroup
	defer func() {
		hbCancel()
		hbGroup.Wait()
	}()
	hbGroup.Go(func() {
		_ = sess.Receive(hbCtx, nil)
	})
	hbGroup.Go(func() {
		if err := sess.KeepAlive(hbCtx, cfg.Heartbeat); err != nil {
			chanmux.Logger().Debug("keepalive stopped", zap.Error(err))
		}
	})

	var (
		sum, diff, applied uint32
		sub                *arith.Sub
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sum, err = client.Add(gctx, uint32(a), uint32(b))
		return
	})
	g.Go(func() (err error) {
		if sub, err = client.GetSub(gctx); err != nil {
			return
		}
		defer sub.Close()
		diff, err = sub.Subtract(gctx, uint32(a), uint32(b))
		return
	})
	g.Go(func() (err error) {
		applied, err = client.Apply(gctx, uint32(a), uint32(b), arith.Subtract)
		return
	})
	if err = g.Wait(); err != nil {
		return
	}
	fmt.Printf("%d + %d = %d\n", a, b, sum)
	fmt.Printf("%d - %d = %d (sub-service)\n", a, b, diff)
	fmt.Printf("%d - %d = %d (reverse service)\n", a, b, applied)
	if hb := sess.HeartbeatTime(); hb.After(sess.Uptime) {
		fmt.Printf("heartbeat %s\n", hb.Format(time.RFC3339Nano))
	}
	return nil
}

func secret(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "secret")
	}
	fmt.Println(utils.EncryptSecret(c.Args().Get(0)))
	return nil
}

func main() {
	transportFlags := []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
		&cli.StringFlag{Name: "proto", Usage: "transport: quic, kcp or tcp"},
		&cli.StringFlag{Name: "address", Aliases: []string{"a"}, Usage: "listen or dial address"},
	}
	app := &cli.App{
		Name:    version.ProductName,
		Usage:   "typed channels over one multiplexed session",
		Version: version.Version,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the arithmetic demo service",
				Flags:  append(transportFlags[:len(transportFlags):len(transportFlags)], &cli.IntFlag{Name: "accept-rate", Usage: "max sessions accepted per second"}),
				Action: serve,
			},
			{
				Name:      "call",
				Usage:     "call the demo service",
				UsageText: "chanmux call [options] a b",
				Flags:     append(transportFlags[:len(transportFlags):len(transportFlags)], &cli.DurationFlag{Name: "timeout", Value: 30 * time.Second}),
				Action:    call,
			},
			{
				Name:      "secret",
				Usage:     "obfuscate a secret for the config file",
				UsageText: "chanmux secret <value>",
				Action:    secret,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
