package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cmdUtil "github.com/ValentinKolb/msgnet/cmd/util"
	"github.com/ValentinKolb/msgnet/lib/accounts"
	"github.com/ValentinKolb/msgnet/network/client"
	"github.com/ValentinKolb/msgnet/network/message"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for msgnet servers",
		Long:    "Connects several clients, registers a throwaway account for each and measures the round trip time of message store requests while every stored message is broadcast to the other clients.",
		Args:    cobra.NoArgs,
		PreRunE: processPerfConfig,
		RunE:    runPerf,
	}
	perfClients  = 4
	perfMessages = 1000
	perfSize     = 64
)

func init() {
	key := "clients"
	perfTestCmd.Flags().Int(key, perfClients, cmdUtil.WrapString("Number of concurrent clients"))
	key = "messages"
	perfTestCmd.Flags().Int(key, perfMessages, cmdUtil.WrapString("Number of messages each client stores"))
	key = "size"
	perfTestCmd.Flags().Int(key, perfSize, cmdUtil.WrapString("Size of each message text in bytes"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	perfClients = viper.GetInt("clients")
	perfMessages = viper.GetInt("messages")
	perfSize = viper.GetInt("size")

	if perfClients < 1 || perfMessages < 1 {
		return errors.New("--clients and --messages must be at least 1")
	}
	if perfSize < 1 || perfSize > accounts.MaxTextLength {
		return fmt.Errorf("--size must be between 1 and %d", accounts.MaxTextLength)
	}
	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for msgnet servers")

	fmt.Println()
	fmt.Println("Configuration:")
	conf := cmdUtil.GetClientConfig()
	fmt.Println(conf.String())
	fmt.Printf("Clients: %d, Messages: %d, Size: %dB\n", perfClients, perfMessages, perfSize)
	fmt.Println()

	registry := gometrics.NewRegistry()
	storeTimer := gometrics.GetOrRegisterTimer("store", registry)
	storedMeter := gometrics.GetOrRegisterMeter("stored", registry)
	broadcastMeter := gometrics.GetOrRegisterMeter("broadcasts", registry)
	failed := gometrics.GetOrRegisterCounter("failed", registry)

	text := strings.Repeat("x", perfSize)
	run := time.Now().UnixNano()

	var wg sync.WaitGroup
	errs := make(chan error, perfClients)
	start := time.Now()

	for i := 0; i < perfClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			c, err := perfSession(fmt.Sprintf("perf-%d-%d", run, i))
			if err != nil {
				errs <- fmt.Errorf("client %d: %w", i, err)
				return
			}
			defer c.Disconnect()

			req, err := accounts.NewStoreRequest(text)
			if err != nil {
				errs <- err
				return
			}
			for n := 0; n < perfMessages; n++ {
				begin := time.Now()
				if err := c.Send(req); err != nil {
					errs <- fmt.Errorf("client %d: %w", i, err)
					return
				}
				answer, broadcasts, err := awaitStoreAnswer(c)
				broadcastMeter.Mark(int64(broadcasts))
				if err != nil {
					errs <- fmt.Errorf("client %d: %w", i, err)
					return
				}
				storeTimer.UpdateSince(begin)

				if ok, _, _, err := accounts.ParseStoreAnswer(answer); err != nil || !ok {
					failed.Inc(1)
					continue
				}
				storedMeter.Mark(1)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	elapsed := time.Since(start)

	for err := range errs {
		fmt.Printf("error: %v\n", err)
	}

	fmt.Println()
	fmt.Printf("%-20s%d in %s\n", "stored", storedMeter.Count(), elapsed.Round(time.Millisecond))
	fmt.Printf("%-20s%d\n", "failed", failed.Count())
	fmt.Printf("%-20s%d\n", "broadcasts", broadcastMeter.Count())
	if storeTimer.Count() > 0 {
		fmt.Printf("%-20smean %s, p50 %s, p99 %s, max %s\n", "round trip",
			time.Duration(storeTimer.Mean()),
			time.Duration(storeTimer.Percentile(0.5)),
			time.Duration(storeTimer.Percentile(0.99)),
			time.Duration(storeTimer.Max()))
		fmt.Printf("%-20s%.0f ops/sec\n", "throughput", float64(storeTimer.Count())/elapsed.Seconds())
	}
	return nil
}

// perfSession connects and logs in with a fresh account
func perfSession(name string) (*client.Client, error) {
	c, err := connect()
	if err != nil {
		return nil, err
	}

	email := name + "@perf.invalid"
	for _, step := range []struct {
		build  func(string, string, string) (message.Message, error)
		answer message.MessageType
	}{
		{accounts.NewRegistrationRequest, message.RegistrationAnswer},
		{accounts.NewLoginRequest, message.LoginAnswer},
	} {
		req, err := step.build(email, name, name)
		if err != nil {
			c.Disconnect()
			return nil, err
		}
		answer, err := request(c, req, step.answer)
		if err != nil {
			c.Disconnect()
			return nil, err
		}
		if ok, reason, err := accounts.ParseAnswer(answer); err != nil || !ok {
			c.Disconnect()
			return nil, fmt.Errorf("%s failed: %s %v", step.answer, reason, err)
		}
	}
	return c, nil
}

// awaitStoreAnswer pops messages until the store answer arrives and counts the
// broadcasts seen on the way
func awaitStoreAnswer(c *client.Client) (message.Message, int, error) {
	deadline := time.Now().Add(cmdUtil.GetAnswerTimeout())
	broadcasts := 0

	for {
		msg, ok := c.Incoming().PopFront()
		if !ok {
			if !c.IsConnected() {
				return message.Message{}, broadcasts, fmt.Errorf("connection closed: %v", c.Err())
			}
			if time.Now().After(deadline) {
				return message.Message{}, broadcasts, errors.New("timeout waiting for store answer")
			}
			time.Sleep(50 * time.Microsecond)
			continue
		}

		switch msg.Header.Type {
		case message.MessageStoreAnswer:
			return msg, broadcasts, nil
		case message.MessageBroadcast:
			broadcasts++
		}
	}
}
