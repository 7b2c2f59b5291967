package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/parley/internal/appdir"
	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/client"
	"github.com/inercia/parley/internal/identity"
	"github.com/inercia/parley/internal/logging"
)

var (
	// CLI-specific flags
	oncePrompt  string
	sessionFlag string
	serverURL   string
)

// cliCmd represents the cli command
var cliCmd = &cobra.Command{
	Use:   "cli",
	Short: "Chat with the assistant from the terminal",
	Long: `Start an interactive conversation with the assistant.

The session identifier is kept in the Parley directory, so the next run
continues the same conversation. --session only confirms that stored
identifier; any other value starts a new conversation.

Use --once to send a single message and exit:
  parley cli --once "¿Qué dice Juan 3:16?"

Add --server to send it through a running "parley web" instead:
  parley cli --server http://localhost:8080 --once "Hola"

Commands (interactive mode only):
  /reset          - Start a new conversation
  /preset <id>    - Send a preset prompt
  /presets        - List preset prompts
  /session        - Show the session identifier
  /quit, /exit    - Exit the CLI
  /help           - Show available commands`,
	RunE: runCLI,
}

func init() {
	rootCmd.AddCommand(cliCmd)

	cliCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single message and exit (non-interactive mode)")
	cliCmd.Flags().StringVar(&sessionFlag, "session", "", "Expected session identifier; a mismatch with the stored one starts a new conversation")
	cliCmd.Flags().StringVar(&serverURL, "server", "", "Send the --once message through a running web server at this URL")
}

// cliSession is one terminal conversation: the identity resolved from the
// session file and the --session flag, and the controller bound to it.
type cliSession struct {
	out      io.Writer
	manager  *identity.Manager
	backend  chat.Backend
	settings chat.Settings
	ctrl     *chat.Controller
	action   identity.Action
}

func newCLISession(out io.Writer, storage identity.Store, link string, b chat.Backend, settings chat.Settings) *cliSession {
	query := identity.NewMemoryStore(link)
	query.OnWrite(func(value string) {
		if value != "" {
			fmt.Fprintf(out, "🔗 Session %s (resume with --session %s)\n", value, value)
		}
	})

	s := &cliSession{
		out:      out,
		manager:  identity.NewManager(storage, query, identity.WithLogger(logging.Session())),
		backend:  b,
		settings: settings,
	}
	s.manager.OnChange(func(_, _ string) {
		if s.ctrl != nil {
			s.ctrl.Close()
		}
		s.ctrl = s.newController()
	})
	s.action = s.manager.Init().Action
	if s.ctrl == nil {
		s.ctrl = s.newController()
	}
	if s.manager.Degraded() {
		fmt.Fprintln(out, "⚠️  Session file unavailable; this conversation will not be remembered.")
	}
	return s
}

func (s *cliSession) newController() *chat.Controller {
	return chat.NewController(s.backend, s.manager, s.settings, chat.WithLogger(logging.Chat()))
}

// greeting returns the opening assistant turn, if any.
func (s *cliSession) greeting() string {
	turns := s.ctrl.Transcript()
	if len(turns) > 0 && turns[0].Role == chat.RoleAssistant {
		return turns[0].Text
	}
	return ""
}

// send submits text, waits for the reply and returns it. It returns ""
// when the submission was not accepted.
func (s *cliSession) send(text string) string {
	before := len(s.ctrl.Transcript())
	if !s.ctrl.Submit(text) {
		return ""
	}
	s.ctrl.Wait()
	return lastReply(s.ctrl.Transcript(), before)
}

func (s *cliSession) sendPreset(id string) (string, error) {
	if err := s.ctrl.SelectPreset(id); err != nil {
		return "", err
	}
	before := len(s.ctrl.Transcript())
	if !s.ctrl.SubmitInput() {
		return "", nil
	}
	s.ctrl.Wait()
	return lastReply(s.ctrl.Transcript(), before), nil
}

func (s *cliSession) close() {
	s.ctrl.Close()
}

func lastReply(turns []chat.Turn, from int) string {
	for i := len(turns) - 1; i >= from; i-- {
		if turns[i].Role == chat.RoleAssistant {
			return turns[i].Text
		}
	}
	return ""
}

func runCLI(cmd *cobra.Command, args []string) error {
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if serverURL != "" {
		if oncePrompt == "" {
			return fmt.Errorf("--server requires --once")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Backend.Timeout+30*time.Second)
		defer cancel()
		return runRemoteOnce(ctx, cmd.OutOrStdout(), client.New(serverURL), oncePrompt)
	}

	sessionPath, err := appdir.SessionPath()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	s := newCLISession(out, identity.NewFileStore(sessionPath), sessionFlag, newBackend(cfg), chatSettings(cfg))
	defer s.close()

	if oncePrompt != "" {
		reply := s.send(oncePrompt)
		if reply == "" {
			return fmt.Errorf("message not sent")
		}
		fmt.Fprintln(out, reply)
		return nil
	}

	if g := s.greeting(); g != "" {
		fmt.Fprintf(out, "\n🤖 %s\n", g)
	}
	return runInteractiveLoop(s)
}

// runRemoteOnce sends text through a web server and prints the reply.
func runRemoteOnce(ctx context.Context, out io.Writer, c *client.Client, text string) error {
	id, err := c.Open(ctx)
	if err != nil {
		return fmt.Errorf("cannot reach %s: %w", c.BaseURL(), err)
	}
	logging.Session().Debug("Remote session opened", "session_id", id, "server", c.BaseURL())

	reply, err := c.SendAndWait(ctx, text)
	if err != nil {
		return fmt.Errorf("message not sent: %w", err)
	}
	fmt.Fprintln(out, reply.Text)
	return nil
}

type slashCommand struct {
	name        string
	description string
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []slashCommand{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/reset", "Start a new conversation"},
	{"/preset", "Send a preset prompt"},
	{"/presets", "List preset prompts"},
	{"/session", "Show the session identifier"},
	{"/quit", "Exit the CLI"},
	{"/exit", "Exit the CLI (alias)"},
	{"/q", "Exit the CLI (alias)"},
}

// errQuit ends the interactive loop.
var errQuit = errors.New("quit")

func runInteractiveLoop(s *cliSession) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "parley> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor, s.ctrl.Presets())
	}

	fmt.Fprintln(s.out, "\n📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Fprintln(s.out, "\n👋 ¡Hasta pronto!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if err := handleCommand(s, line); err != nil {
				if errors.Is(err, errQuit) {
					fmt.Fprintln(s.out, "👋 ¡Hasta pronto!")
					return nil
				}
				fmt.Fprintf(s.out, "❌ %v\n", err)
			}
			continue
		}

		fmt.Fprintln(s.out, "⏳ ...")
		if reply := s.send(line); reply != "" {
			fmt.Fprintf(s.out, "\n🤖 %s\n\n", reply)
		}
	}
}

// handleCommand runs one slash command. It returns errQuit to end the loop.
func handleCommand(s *cliSession, line string) error {
	parts, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("cannot parse command: %w", err)
	}
	if len(parts) == 0 {
		return nil
	}

	switch strings.ToLower(strings.TrimPrefix(parts[0], "/")) {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		printHelp(s.out)
	case "reset":
		id := s.manager.Reset()
		s.action = identity.ActionReset
		fmt.Fprintf(s.out, "🆕 New conversation %s\n", id)
		if g := s.greeting(); g != "" {
			fmt.Fprintf(s.out, "\n🤖 %s\n", g)
		}
	case "session":
		id, _ := s.manager.Current()
		fmt.Fprintf(s.out, "🔗 Session %s (%s)\n", id, s.action)
		if s.manager.Degraded() {
			fmt.Fprintln(s.out, "   not persisted: session file unavailable")
		}
	case "presets":
		presets := s.ctrl.Presets()
		if len(presets) == 0 {
			fmt.Fprintln(s.out, "No presets configured.")
		}
		for _, p := range presets {
			fmt.Fprintf(s.out, "  %-16s %s\n", p.ID, p.Label)
		}
	case "preset":
		if len(parts) < 2 {
			return fmt.Errorf("usage: /preset <id>")
		}
		reply, err := s.sendPreset(parts[1])
		if err != nil {
			if errors.Is(err, chat.ErrUnknownPreset) {
				return fmt.Errorf("unknown preset %q (use /presets to list them)", parts[1])
			}
			return err
		}
		if reply != "" {
			fmt.Fprintf(s.out, "\n🤖 %s\n\n", reply)
		}
	default:
		fmt.Fprintf(s.out, "❓ Unknown command: %s (use /help for available commands)\n", parts[0])
	}
	return nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
Available commands:
  /reset            - Start a new conversation
  /preset <id>      - Send a preset prompt
  /presets          - List preset prompts
  /session          - Show the session identifier
  /quit, /exit, /q  - Exit the CLI
  /help, /h, /?     - Show this help message

Tips:
  - Type your message and press Enter to send it
  - Use Ctrl+C to exit gracefully
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands and preset ids`)
}

// completeInput provides tab completion for the CLI input: slash commands
// when the input starts with "/", and preset ids after "/preset ".
func completeInput(line string, cursor int, presets []chat.Preset) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	var pairs []string
	if rest, ok := strings.CutPrefix(text, "/preset "); ok {
		for _, p := range matchPresets(presets, strings.TrimSpace(rest)) {
			pairs = append(pairs, p.ID, p.Label)
		}
		if len(pairs) == 0 {
			return readline.Completions{}
		}
		return readline.CompleteValuesDescribed(pairs...).Tag("presets")
	}

	for _, cmd := range matchCommands(text) {
		pairs = append(pairs, cmd.name, cmd.description)
	}
	if len(pairs) == 0 {
		return readline.Completions{}
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/') // Don't add space after completing partial command
}

func matchCommands(prefix string) []slashCommand {
	var matches []slashCommand
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, prefix) {
			matches = append(matches, cmd)
		}
	}
	return matches
}

func matchPresets(presets []chat.Preset, prefix string) []chat.Preset {
	var matches []chat.Preset
	for _, p := range presets {
		if strings.HasPrefix(p.ID, prefix) {
			matches = append(matches, p)
		}
	}
	return matches
}
