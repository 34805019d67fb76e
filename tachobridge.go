package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"tachobridge/bridge"
	"tachobridge/configstore"
	"tachobridge/dispatch"
	"tachobridge/monitor"
	"tachobridge/mqtt"
)

var myBuild = "dev"

func main() {
	fmt.Printf("tachobridge build %s\n", myBuild)

	cfgdir := flag.String("cfgdir", "", "Config directory (default: per-user path)")
	pipePath := flag.String("pipe", "", "Named pipe for local commands")
	insecure := flag.Bool("insecure", false, "Connect to the broker without TLS")
	flag.Parse()

	// .env is optional; real settings live in the config document.
	godotenv.Load()
	setupLogging()

	dir := *cfgdir
	if dir == "" {
		dir = os.Getenv("TBA_CONFIG_DIR")
	}
	if dir == "" {
		var err error
		if dir, err = configstore.DefaultDir(); err != nil {
			log.Errorf("Resolve config dir: %v", err)
		}
	}

	store, storeErr := configstore.Open(dir, myBuild)
	if storeErr != nil {
		// Monitoring keeps running without durability; the engine raises
		// the access notice.
		log.Errorf("Open config store: %v", storeErr)
	}

	sys, err := monitor.NewPCSC()
	if err != nil {
		log.Fatalf("Init card subsystem: %v", err)
	}
	mon := monitor.New(sys)
	disp := dispatch.New()

	host, ident, _ := store.Server()
	brokerCfg := mqtt.Config{Insecure: *insecure}
	if host != "" {
		h, port, err := configstore.SplitHostPort(host)
		if err != nil {
			log.Errorf("Server host in config: %v", err)
		} else {
			brokerCfg.Host = h
			brokerCfg.Port = port
		}
	}

	var eng *bridge.Engine
	pub := mqtt.New(brokerCfg, ident, mqtt.Handlers{
		OnState: func(s mqtt.State) {
			if eng != nil {
				eng.OnSessionState(s)
			}
		},
		OnCommand: func(topic string, payload []byte) {
			if eng != nil {
				eng.HandleBrokerMessage(topic, payload)
			}
		},
	})
	eng = bridge.New(myBuild, store, storeErr, disp, mon, pub)

	pipe, err := dispatch.NewPipe(*pipePath, disp)
	if err != nil {
		log.Fatalf("Init command pipe: %v", err)
	}
	if pipe != nil {
		go pipe.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())

	go logNotifications(disp)
	eng.Start(ctx)
	mon.Start(ctx)
	pub.Connect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	cancel()

	if pipe != nil {
		pipe.Close()
	}
	mon.Close()
	eng.Close()
	pub.Close()
	disp.Close()

	fmt.Println("Shutdown complete")
}

// logNotifications drains the outward stream. With no window attached the
// log is the presentation layer.
func logNotifications(disp *dispatch.Dispatcher) {
	for n := range disp.Notifications() {
		switch v := n.(type) {
		case dispatch.CardsSync:
			log.Infof("reader %s: status=%s identity=%s card=%s online=%t auth=%t",
				v.Reader, v.Status, v.Identity, v.CardNumber, v.Online, v.Authenticating)
		case dispatch.ConfigSync:
			log.Infof("server config: host=%s ident=%s theme=%s", v.Host, v.Ident, v.Theme)
		case dispatch.CardConfigUpdated:
			if v.Card == nil {
				log.Infof("card %s removed", v.Number)
			} else {
				log.Infof("card %s bound to identity %s", v.Number, v.Card.Identity)
			}
		case dispatch.Notice:
			if v.Kind == dispatch.NoticeAccess {
				log.Errorf("notice (%s): %s", v.Kind, v.Message)
			} else {
				log.Warnf("notice (%s): %s", v.Kind, v.Message)
			}
		}
	}
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if level, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}
}
