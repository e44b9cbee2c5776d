package util

import (
	"strings"
	"time"

	"github.com/ValentinKolb/msgnet/network/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by msgnet
	EnvPrefix = "msgnet"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds environment variables (MSGNET_<FLAG>) to viper
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupTCPFlags adds the socket option flags shared by server and client
func SetupTCPFlags(cmd *cobra.Command) {
	defaults := common.DefaultTCPConf()

	key := "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, defaults.NoDelay, WrapString("Whether to enable TCP_NODELAY on every socket"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, defaults.KeepAliveSec, WrapString("The keepalive interval in seconds (0 keeps the OS default)"))

	key = "tcp-linger"
	cmd.PersistentFlags().Int(key, defaults.LingerSec, WrapString("The linger time in seconds (0 keeps the OS default)"))

	key = "tcp-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The socket read buffer size in KB (0 keeps the OS default)"))

	key = "tcp-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The socket write buffer size in KB (0 keeps the OS default)"))
}

// GetTCPConf reads the socket options from viper
func GetTCPConf() common.TCPConf {
	return common.TCPConf{
		NoDelay:         viper.GetBool("tcp-nodelay"),
		KeepAliveSec:    viper.GetInt("tcp-keepalive"),
		LingerSec:       viper.GetInt("tcp-linger"),
		ReadBufferSize:  viper.GetInt("tcp-read-buffer") * 1024,
		WriteBufferSize: viper.GetInt("tcp-write-buffer") * 1024,
	}
}

// SetupClientFlags adds the connection flags of all client commands
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig()

	key := "host"
	cmd.PersistentFlags().String(key, "localhost", WrapString("The host name or address of the msgnet server"))

	key = "port"
	cmd.PersistentFlags().Uint16(key, 60000, WrapString("The port of the msgnet server"))

	key = "timeout"
	cmd.PersistentFlags().Duration(key, defaults.Timeout, WrapString("The write timeout per message and the time to wait for an answer"))

	key = "dial-timeout"
	cmd.PersistentFlags().Duration(key, defaults.DialTimeout, WrapString("The timeout for resolving and dialing the server"))

	key = "max-body"
	cmd.PersistentFlags().Uint32(key, defaults.MaxBodyLength, WrapString("Largest accepted message body in bytes (0 disables the limit)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	SetupTCPFlags(cmd)
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		Timeout:       viper.GetDuration("timeout"),
		DialTimeout:   viper.GetDuration("dial-timeout"),
		MaxBodyLength: viper.GetUint32("max-body"),
		TCP:           GetTCPConf(),
		LogLevel:      viper.GetString("log-level"),
	}
}

// GetAnswerTimeout returns how long client commands wait for an answer
func GetAnswerTimeout() time.Duration {
	if d := viper.GetDuration("timeout"); d > 0 {
		return d
	}
	return common.DefaultTimeout
}
