package client

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ValentinKolb/msgnet/lib/accounts"
	"github.com/ValentinKolb/msgnet/network/message"
	"github.com/spf13/cobra"
)

var (
	registerCmd = &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, username, password, err := credentials()
			if err != nil {
				return err
			}

			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			req, err := accounts.NewRegistrationRequest(email, username, password)
			if err != nil {
				return err
			}
			answer, err := request(c, req, message.RegistrationAnswer)
			if err != nil {
				return err
			}
			ok, reason, err := accounts.ParseAnswer(answer)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("registration failed: %s", reason)
			}

			fmt.Printf("registered %s\n", username)
			return nil
		},
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Check the account credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			if err := login(c); err != nil {
				return err
			}
			fmt.Println("login ok")
			return nil
		},
	}

	storeCmd = &cobra.Command{
		Use:   "store [text]",
		Short: "Log in and store a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			if err := login(c); err != nil {
				return err
			}

			req, err := accounts.NewStoreRequest(strings.Join(args, " "))
			if err != nil {
				return err
			}
			answer, err := request(c, req, message.MessageStoreAnswer)
			if err != nil {
				return err
			}
			ok, id, reason, err := accounts.ParseStoreAnswer(answer)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("store failed: %s", reason)
			}

			fmt.Printf("stored message %d\n", id)
			return nil
		},
	}

	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "Print messages stored by other clients until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Disconnect()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()

			fmt.Println("listening, press ctrl+c to stop")
			for {
				for {
					msg, ok := c.Incoming().PopFront()
					if !ok {
						break
					}
					if msg.Header.Type != message.MessageBroadcast {
						continue
					}
					b, err := accounts.ParseBroadcast(msg)
					if err != nil {
						fmt.Printf("invalid broadcast: %v\n", err)
						continue
					}
					fmt.Printf("[%s] #%d %s: %s\n", b.Time.Format(time.TimeOnly), b.ID, b.Author, b.Text)
				}

				select {
				case <-sigs:
					return nil
				case <-c.Done():
					return fmt.Errorf("connection closed: %v", c.Err())
				case <-ticker.C:
				}
			}
		},
	}
)
