package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chap-fuse/mockserver"
)

func main() {
	root := &cobra.Command{
		Use:          "chap-fuse-testhelper",
		Short:        "Helpers for trying chap-fuse by hand",
		SilenceUsage: true,
	}
	root.AddCommand(newServerCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type serverOptions struct {
	port  int
	fence bool
	fail  int
}

func newServerCmd() *cobra.Command {
	opts := &serverOptions{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start a predictable chat completions server",
		Long: `Starts an OpenAI-compatible chat completions server that answers every
query with "<system prompt>: <query>". Point chap-fuse at it with
--url http://localhost:<port>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", 11002, "port for server")
	cmd.Flags().BoolVar(&opts.fence, "fence", false, "wrap replies in markdown code fences")
	cmd.Flags().IntVar(&opts.fail, "fail", 0, "answer every request with this HTTP status")
	return cmd
}

func serverOptionsFor(opts *serverOptions) []mockserver.Option {
	reply := func(system, query string) string {
		text := system + ": " + query
		if opts.fence {
			text = "```\n" + text + "\n```"
		}
		return text
	}
	mopts := []mockserver.Option{mockserver.WithReply(reply)}
	if opts.fail != 0 {
		mopts = append(mopts, mockserver.WithErrorMode(opts.fail))
	}
	return mopts
}

func runServer(cmd *cobra.Command, opts *serverOptions) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", opts.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	server := mockserver.NewUnstarted(serverOptionsFor(opts)...)
	server.Listener.Close()
	server.Listener = ln
	server.Start()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ chat test server started\n")
	fmt.Fprintf(out, "  Server URL: %s\n", server.URL)

	// Set up signal handling for clean shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	fmt.Fprintf(out, "\nPress Ctrl+C to stop server...\n")
	<-c

	fmt.Fprintf(out, "\nShutting down server...\n")
	server.Close()
	fmt.Fprintf(out, "Server stopped after %d completions\n", server.CompletionCount())
	return nil
}
