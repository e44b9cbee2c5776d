package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/msgnet/cmd/client"
	"github.com/ValentinKolb/msgnet/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "msgnet",
		Short: "asynchronous TCP message server",
		Long: fmt.Sprintf(`msgnet (v%s)

An asynchronous client/server message transport over TCP with typed,
length-prefixed frames, a handler chain on the server and a small
account service (registration, login, message store) built on top.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of msgnet",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("msgnet v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(client.ClientCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
