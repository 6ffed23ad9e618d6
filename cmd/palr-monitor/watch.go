package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/palr/pkg/climon"
	"github.com/haivivi/palr/pkg/mqtt0"
)

func newWatchCmd() *cobra.Command {
	var addr, scope, gearID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to a gear's state/stats/input/output/command topics and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), addr, scope, gearID)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "tcp://localhost:1883", "MQTT broker URL")
	cmd.Flags().StringVar(&scope, "scope", "", "topic scope/namespace")
	cmd.Flags().StringVar(&gearID, "gear-id", "", "gear ID to monitor (required)")
	cmd.MarkFlagRequired("gear-id")

	return cmd
}

func runWatch(ctx context.Context, addr, scope, gearID string) error {
	styles := climon.NewStyles(climon.DefaultTheme)

	s := scope
	if s != "" && !strings.HasSuffix(s, "/") {
		s += "/"
	}
	prefix := fmt.Sprintf("%sdevice/%s/", s, gearID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Println(styles.Title.Render("palr-monitor"))
	fmt.Println(styles.Dim.Render(fmt.Sprintf("gear=%s scope=%q topic=%s#", gearID, scope, prefix)))

	client, err := mqtt0.Connect(ctx, mqtt0.ClientConfig{
		Addr:            addr,
		ClientID:        fmt.Sprintf("palr-monitor-%d", time.Now().UnixNano()%10000),
		KeepAlive:       60,
		ConnectTimeout:  30 * time.Second,
		ProtocolVersion: mqtt0.ProtocolV5,
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	topics := []string{
		prefix + "state",
		prefix + "stats",
		prefix + "input_audio_stream",
		prefix + "output_audio_stream",
		prefix + "command",
	}
	if err := client.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var audioUp, audioDown int
	lastAudioLog := time.Now()

	for {
		msg, err := client.RecvTimeout(500 * time.Millisecond)
		if err != nil {
			if !client.IsRunning() {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		if msg == nil {
			if (audioUp > 0 || audioDown > 0) && time.Since(lastAudioLog) > time.Second {
				fmt.Println(styles.Dim.Render(fmt.Sprintf("audio up=%d/s down=%d/s", audioUp, audioDown)))
				audioUp, audioDown = 0, 0
				lastAudioLog = time.Now()
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}

		suffix := strings.TrimPrefix(msg.Topic, prefix)
		ts := time.Now().Format("15:04:05.000")

		switch suffix {
		case "state":
			fmt.Printf("[%s] %s %s\n", ts, styles.Label.Render("STATE"), string(msg.Payload))
		case "stats":
			fmt.Printf("[%s] %s %s\n", ts, styles.Label.Render("STATS"), string(msg.Payload))
		case "input_audio_stream":
			audioUp++
		case "output_audio_stream":
			audioDown++
		case "command":
			fmt.Printf("[%s] %s %s\n", ts, styles.Warn.Render("COMMAND"), string(msg.Payload))
		default:
			fmt.Printf("[%s] %s %d bytes\n", ts, styles.Dim.Render(suffix), len(msg.Payload))
		}
	}
}
