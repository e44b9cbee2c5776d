package client

import (
	"context"
	"errors"
	"fmt"

	cmdUtil "github.com/ValentinKolb/msgnet/cmd/util"
	"github.com/ValentinKolb/msgnet/lib/accounts"
	"github.com/ValentinKolb/msgnet/network/client"
	"github.com/ValentinKolb/msgnet/network/common"
	"github.com/ValentinKolb/msgnet/network/message"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	ClientCommands = &cobra.Command{
		Use:               "client",
		Short:             "Talk to a msgnet server",
		Long:              `Commands to register, log in, store messages and listen for broadcasts on a msgnet server. The connection can be configured via command line flags or environment variables (MSGNET_<flag>, e.g. MSGNET_HOST=example.org)`,
		PersistentPreRunE: processClientConfig,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupClientFlags(ClientCommands)

	key := "email"
	ClientCommands.PersistentFlags().String(key, "", cmdUtil.WrapString("The email address of the account"))

	key = "username"
	ClientCommands.PersistentFlags().String(key, "", cmdUtil.WrapString("The user name of the account"))

	key = "password"
	ClientCommands.PersistentFlags().String(key, "", cmdUtil.WrapString("The password of the account (prefer MSGNET_PASSWORD)"))

	ClientCommands.AddCommand(registerCmd, loginCmd, storeCmd, listenCmd, perfTestCmd)
}

func processClientConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}

// connect dials the configured server and waits for its greeting
func connect() (*client.Client, error) {
	c := client.NewClient(cmdUtil.GetClientConfig())
	if err := c.Connect(viper.GetString("host"), viper.GetUint16("port")); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdUtil.GetAnswerTimeout())
	defer cancel()
	if _, err := c.WaitFor(ctx, message.ServerAcceptAnswer); err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("server did not accept the connection: %w", err)
	}
	return c, nil
}

// request sends req and waits for the answer of type t
func request(c *client.Client, req message.Message, t message.MessageType) (message.Message, error) {
	if err := c.Send(req); err != nil {
		return message.Message{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cmdUtil.GetAnswerTimeout())
	defer cancel()
	return c.WaitFor(ctx, t)
}

// credentials returns the account flags, all of them are required
func credentials() (email, username, password string, err error) {
	email = viper.GetString("email")
	username = viper.GetString("username")
	password = viper.GetString("password")
	if email == "" || username == "" || password == "" {
		return "", "", "", errors.New("--email, --username and --password are required")
	}
	return email, username, password, nil
}

// login authenticates the connection with the account flags
func login(c *client.Client) error {
	email, username, password, err := credentials()
	if err != nil {
		return err
	}
	req, err := accounts.NewLoginRequest(email, username, password)
	if err != nil {
		return err
	}
	answer, err := request(c, req, message.LoginAnswer)
	if err != nil {
		return err
	}
	ok, reason, err := accounts.ParseAnswer(answer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("login failed: %s", reason)
	}
	return nil
}
