package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/term"

	"xpl-sdk/appliance"
	"xpl-sdk/config"
	"xpl-sdk/console"
	"xpl-sdk/server"
	"xpl-sdk/xpl/device"
	"xpl-sdk/xpl/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	// コマンドライン引数の解析
	args, err := config.ParseCommandLineArgs(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		return 2
	}

	cfg, err := config.LoadConfig(args.ConfigFile)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "設定ファイルの読み込みエラー: %v\n", err)
		return 1
	}
	cfg.ApplyCommandLineArgs(args)
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "設定エラー: %v\n", err)
		return 1
	}

	// 端末に接続されていない場合はデーモンとして動作する
	interactive := !cfg.Daemon.Enabled && term.IsTerminal(int(os.Stdin.Fd()))

	// ロガーのセットアップ
	logManager, err := server.NewLogManager(cfg.Log.Filename, cfg.Debug)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ログ設定エラー: %v\n", err)
		return 1
	}
	defer logManager.Close()

	if cfg.Daemon.PIDFile != "" {
		if err := writePIDFile(cfg.Daemon.PIDFile); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "PIDファイルの作成エラー: %v\n", err)
			return 1
		}
		defer os.Remove(cfg.Daemon.PIDFile)
	}

	// ルートコンテキストの作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// シグナルハンドリングの設定 (SIGINT, SIGTERM)
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signalCh:
			fmt.Println("\nシグナルを受信しました。終了します...")
			cancel()
		case <-ctx.Done():
		}
	}()

	monitorInterval, _ := cfg.MonitorInterval()
	opts := transport.Options{
		Interface:       cfg.Network.Interface,
		HubPort:         cfg.Network.HubPort,
		BasePort:        cfg.Network.BasePort,
		ListenTo:        cfg.Network.ListenTo,
		NetworkMonitor:  cfg.Network.NetworkMonitor,
		MonitorInterval: monitorInterval,
	}
	if cfg.Network.TxIP != "" {
		opts.TxIP = net.ParseIP(cfg.Network.TxIP)
		if opts.TxIP == nil {
			_, _ = fmt.Fprintf(os.Stderr, "network.tx_ip が不正です: %s\n", cfg.Network.TxIP)
			return 1
		}
	}

	xplTransport, err := transport.New(ctx, opts)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "xPL の初期化エラー: %v\n", err)
		return 1
	}
	defer xplTransport.Close()

	dev, err := device.NewDevice(device.Config{
		VendorID:         cfg.Device.Vendor,
		DeviceID:         cfg.Device.Device,
		InstanceID:       cfg.Device.Instance,
		Version:          cfg.Device.Version,
		DisableFiltering: !cfg.Device.FilterMessages,
		Store:            device.NewFileStore(cfg.Device.ConfigDir),
	}, xplTransport)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "デバイスの作成エラー: %v\n", err)
		return 1
	}
	if err := dev.AddDefaultConfigItems(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "設定項目の追加エラー: %v\n", err)
		return 1
	}

	// リレーの購読は Init より前に行う
	var relay *appliance.Relay
	var relayEvents <-chan device.Event
	if cfg.Relay.Enabled {
		relay = appliance.NewRelay(cfg.Relay.Name, dev)
		relayEvents, _ = dev.Subscribe(0)
	}

	if err := dev.Init(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "デバイスの開始エラー: %v\n", err)
		return 1
	}
	defer dev.Close()
	xplTransport.Start()
	slog.Info("xPL device started", "id", dev.CompleteID().String(), "port", xplTransport.Port())

	var relayCtl console.RelayController
	if relay != nil {
		go relay.Run(ctx, relayEvents)
		relayCtl = relay
	}

	if cfg.WebSocket.Enabled {
		addr := net.JoinHostPort(cfg.HTTPServer.Host, strconv.Itoa(cfg.HTTPServer.Port))
		wsTransport := server.NewDefaultWebSocketTransport(ctx, addr)
		wsServer := server.NewWebSocketServer(ctx, wsTransport, dev, xplTransport)
		logManager.EnableBroadcast(wsTransport)
		if cfg.HTTPServer.Enabled {
			if err := wsTransport.ServeDirectory(cfg.HTTPServer.WebRoot); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "HTTPサーバー設定エラー: %v\n", err)
				return 1
			}
		}

		startOpts := server.StartOptions{}
		if cfg.TLS.Enabled {
			startOpts.CertFile = cfg.TLS.CertFile
			startOpts.KeyFile = cfg.TLS.KeyFile
		}
		go func() {
			if err := wsServer.Start(startOpts); err != nil {
				slog.Error("WebSocket server error", "err", err)
				cancel()
			}
		}()
		defer func() {
			if err := wsServer.Stop(); err != nil {
				slog.Warn("WebSocket server stop", "err", err)
			}
		}()
		fmt.Printf("WebSocketサーバーを起動しています: %s\n", addr)
	}

	if interactive {
		console.ConsoleProcess(ctx, dev, relayCtl, logManager.SetDebug)
		cancel()
		return 0
	}

	<-ctx.Done()
	return 0
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
