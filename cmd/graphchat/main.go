package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coder/graphchat/cmd/agentsim"
	"github.com/coder/graphchat/cmd/attach"
	"github.com/coder/graphchat/cmd/chat"
	"github.com/coder/graphchat/cmd/serve"
	"github.com/coder/graphchat/lib/httpapi"
)

func main() {
	root := &cobra.Command{
		Use:     "graphchat",
		Short:   "Chat with a graph agent",
		Long:    "Drive conversations with a streaming graph agent from the terminal or over HTTP. Threads are kept on this device.",
		Version: httpapi.Version,
	}
	root.AddCommand(
		serve.CreateServeCmd(),
		chat.CreateChatCmd(),
		attach.AttachCmd,
		agentsim.CreateAgentsimCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
