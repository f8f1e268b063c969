package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/outreach/internal/config"
	"github.com/austindbirch/outreach/internal/task"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead letter topic",
}

var dlqTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print dead letters as the dispatcher publishes them",
	Long: `Subscribe to the dead letter topic on an ephemeral channel and print each
envelope. Requires PUBLISH_DLQ_TOPIC=true on the dispatcher.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		cfg := config.FromEnv()
		addr, _ := cmd.Flags().GetString("nsqd")
		if addr == "" {
			addr = cfg.NSQ.NsqdTCPAddr
		}
		topic, _ := cmd.Flags().GetString("topic")
		if topic == "" {
			topic = cfg.NSQ.DLQTopic
		}

		consumer, err := nsq.NewConsumer(topic, "outreachctl#ephemeral", nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("nsq consumer creation failed: %w", err)
		}
		consumer.SetLoggerLevel(nsq.LogLevelWarning)
		consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
			var dl task.DeadLetter
			if err := json.Unmarshal(m.Body, &dl); err != nil {
				fmt.Fprintf(os.Stderr, "bad dead letter: %v\n", err)
				return nil
			}
			if outputJSON {
				printOutput(dl)
			} else {
				fmt.Println(formatDeadLetter(dl))
			}
			return nil
		}))
		if err := consumer.ConnectToNSQD(addr); err != nil {
			return fmt.Errorf("connect to nsqd failed: %w", err)
		}

		fmt.Fprintf(os.Stderr, "Tailing %s on %s (Ctrl-C to stop)\n", topic, addr)
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-stop:
		case <-consumer.StopChan:
		}
		consumer.Stop()
		<-consumer.StopChan
		return nil
	},
}

// formatDeadLetter renders one envelope on a single line
func formatDeadLetter(dl task.DeadLetter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s retries=%d reason=%q", dl.At, dl.Task.Type, dl.Task.ID, dl.RetryCount, dl.Reason)
	if dl.LastError != "" {
		fmt.Fprintf(&b, " error=%q", dl.LastError)
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqTailCmd)

	dlqTailCmd.Flags().String("nsqd", "", "nsqd TCP address (default NSQD_TCP_ADDR)")
	dlqTailCmd.Flags().String("topic", "", "dead letter topic (default NSQ_DLQ_TOPIC)")
}
