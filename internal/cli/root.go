// Package cli is the gopherchat terminal client.
package cli

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/suPer8Hu/gopherchat/internal/client"
	"github.com/suPer8Hu/gopherchat/internal/logging"
)

// app carries the resolved settings shared by every subcommand.
type app struct {
	v *viper.Viper
}

func (a *app) client() *client.Client {
	// no client timeout: replies stream for as long as the model writes
	return client.New(a.v.GetString("server"), a.v.GetString("token"), &http.Client{})
}

func (a *app) logger() *logrus.Entry {
	return logrus.NewEntry(logging.NewWithOutput(os.Stderr, a.v.GetString("log_level"), "text"))
}

func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GOPHERCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	a := &app{v: v}

	rootCmd := &cobra.Command{
		Use:   "gopherchat",
		Short: "Terminal client for the gopherchat server",
		Long: `gopherchat talks to a gopherchat server: list and create conversations,
send messages and watch the reply stream in.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("server", "http://localhost:8080", "Server base URL (env GOPHERCHAT_SERVER)")
	pf.String("token", "", "Bearer token (env GOPHERCHAT_TOKEN)")
	pf.String("log-level", "warn", "Log level for client diagnostics")
	_ = v.BindPFlag("server", pf.Lookup("server"))
	_ = v.BindPFlag("token", pf.Lookup("token"))
	_ = v.BindPFlag("log_level", pf.Lookup("log-level"))

	rootCmd.AddCommand(
		newConversationsCommand(a),
		newSendCommand(a),
		newChatCommand(a),
		newTokenCommand(a),
	)
	return rootCmd
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
