package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parley.chat/capture"
	"parley.chat/db"
	"parley.chat/etc"
	"parley.chat/fsm"
	"parley.chat/llm"
	"parley.chat/peer"
	"parley.chat/pipeline"
	"parley.chat/playback"
	"parley.chat/realtime"
	"parley.chat/session"
	"parley.chat/stt"
	"parley.chat/translate"
	"parley.chat/tts"
	"parley.chat/voice"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().String("relay-url", "", "Realtime relay websocket URL")
	rootCmd.PersistentFlags().String("transcribe-url", "", "Transcription service URL")
	rootCmd.PersistentFlags().String("deepl-api-key", "", "DeepL API key")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key (enhancement)")
	rootCmd.PersistentFlags().
		String("elevenlabs-api-key", "", "ElevenLabs API key")
	rootCmd.PersistentFlags().String("database", "parley.db", "Database path")
	rootCmd.PersistentFlags().String("name", "", "Display name")
	rootCmd.PersistentFlags().String("source-lang", "en", "Source language code")
	rootCmd.PersistentFlags().String("target-lang", "es", "Target language code")
	rootCmd.PersistentFlags().
		Bool("auto-play", false, "Two-way mode: play and deliver without confirmation")

	viper.BindPFlag("relay_url", rootCmd.PersistentFlags().Lookup("relay-url"))
	viper.BindPFlag(
		"transcribe_url",
		rootCmd.PersistentFlags().Lookup("transcribe-url"),
	)
	viper.BindPFlag("deepl_api_key", rootCmd.PersistentFlags().Lookup("deepl-api-key"))
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag(
		"elevenlabs_api_key",
		rootCmd.PersistentFlags().Lookup("elevenlabs-api-key"),
	)
	viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("source_lang", rootCmd.PersistentFlags().Lookup("source-lang"))
	viper.BindPFlag("target_lang", rootCmd.PersistentFlags().Lookup("target-lang"))
	viper.BindPFlag("auto_play", rootCmd.PersistentFlags().Lookup("auto-play"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley coordinates real-time speech translation sessions",
	Long:  `Parley captures speech, transcribes and translates it, and distributes spoken translations to session participants in real time.`,
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a new translation session",
	Run:   runHost,
}

var joinCmd = &cobra.Command{
	Use:   "join <session-id>",
	Short: "Join an existing translation session",
	Args:  cobra.ExactArgs(1),
	Run:   runJoin,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Run:   runSessions,
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show stored exchanges for a session",
	Args:  cobra.ExactArgs(1),
	Run:   runHistory,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runHost(cmd *cobra.Command, args []string) {
	runSession(true, "")
}

func runJoin(cmd *cobra.Command, args []string) {
	runSession(false, args[0])
}

func runSession(host bool, sessionID string) {
	mainLogger, loggers := createLoggers()

	relayURL := viper.GetString("relay_url")
	if relayURL == "" {
		mainLogger.Fatal("missing RELAY_URL or --relay-url=")
	}
	transcribeURL := viper.GetString("transcribe_url")
	if transcribeURL == "" {
		mainLogger.Fatal("missing TRANSCRIBE_URL or --transcribe-url=")
	}
	deeplKey := viper.GetString("deepl_api_key")
	if deeplKey == "" {
		mainLogger.Fatal("missing DEEPL_API_KEY or --deepl-api-key=")
	}
	elevenKey := viper.GetString("elevenlabs_api_key")
	if elevenKey == "" {
		mainLogger.Fatal("missing ELEVENLABS_API_KEY or --elevenlabs-api-key=")
	}

	store, err := db.Open(viper.GetString("database"), loggers["data"])
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	userID := etc.NewFreshID()
	username := viper.GetString("name")
	if username == "" {
		username = "guest-" + userID[:6]
	}

	// Saved preferences fill in below unchanged flags, env, and config.
	if saved, err := store.GetUserSettings(context.Background(), username); err == nil && saved != nil {
		viper.SetDefault("source_lang", saved.SourceLang)
		viper.SetDefault("target_lang", saved.TargetLang)
		viper.SetDefault("auto_play", saved.Mode == session.ModeTwoWay)
	}

	mode := session.ModeSolo
	if viper.GetBool("auto_play") {
		mode = session.ModeTwoWay
	}
	err = store.SaveUserSettings(context.Background(), db.UserSettings{
		UserID:     username,
		SourceLang: viper.GetString("source_lang"),
		TargetLang: viper.GetString("target_lang"),
		Mode:       mode,
	})
	if err != nil {
		mainLogger.Warn("could not save preferences", "error", err.Error())
	}

	transport, err := realtime.DialWS(context.Background(), relayURL, loggers["wire"])
	if err != nil {
		mainLogger.Fatal("connect to relay", "error", err.Error())
	}
	defer transport.Close()
	channel := realtime.NewChannel(transport, userID, username, loggers["wire"])

	transcriber, err := stt.NewClient(transcribeURL, loggers["pipe"])
	if err != nil {
		mainLogger.Fatal("create transcription client", "error", err.Error())
	}
	translator, err := translate.NewClient("", deeplKey, loggers["pipe"])
	if err != nil {
		mainLogger.Fatal("create translation client", "error", err.Error())
	}

	var enhancer llm.Enhancer
	if key := viper.GetString("openai_api_key"); key != "" {
		enhancer = llm.NewOpenAIEnhancer(key)
	} else {
		mainLogger.Warn("no OpenAI key; translations will not be enhanced")
	}

	voiceName := tts.DefaultVoice
	if prof, err := store.ListVoiceProfiles(context.Background(), userID); err == nil && len(prof) > 0 {
		voiceName = prof[0].Voice
	}

	runner := pipeline.NewRunner(
		transcriber,
		translator,
		enhancer,
		tts.NewElevenLabsSpeechGenerator(elevenKey),
		voiceName,
		loggers["pipe"],
	)

	engine := capture.New(
		&capture.FFmpegProvider{SampleRate: 16000},
		capture.DefaultConfig(),
		loggers["mic"],
	)
	peers := peer.NewManager(
		channel,
		[]string{"stun:stun.l.google.com:19302"},
		loggers["peer"],
	)
	player := &playback.FFplayPlayer{Log: loggers["mic"]}

	if mode == session.ModeTwoWay {
		// Live audio rides the peer mesh: mic frames go out opus-encoded,
		// remote tracks come back through the speakers.
		bridge, err := voice.NewBridge(peers, 16000, loggers["peer"])
		if err != nil {
			mainLogger.Fatal("create voice bridge", "error", err.Error())
		}
		defer engine.Frames(bridge.HandleFrame)()
		defer peers.Events(func(ev peer.Event) {
			if ev.Kind != peer.EventStreamReceived {
				return
			}
			go func() {
				if err := voice.PlayRemote(context.Background(), ev.Track, player, loggers["peer"]); err != nil {
					loggers["peer"].Warn("remote audio ended", "peer", ev.PeerID, "error", err)
				}
			}()
		})()
	}

	orch := fsm.New(fsm.Config{
		UserID:     userID,
		Username:   username,
		Mode:       mode,
		SourceLang: viper.GetString("source_lang"),
		TargetLang: viper.GetString("target_lang"),
	}, fsm.Deps{
		Recorder: engine,
		Channel:  channel,
		Peers:    peers,
		Pipeline: runner,
		Store:    store,
		Player:   player,
		Log:      loggers["fsm"],
	})
	defer orch.Close()

	// Silence and max-duration signals drive the auto-stop policy. Speech
	// resumption events pass through untouched.
	defer engine.Events(func(ev capture.Event) {
		if autoStopKind(ev.Kind) && orch.State() == fsm.StateRecording {
			orch.Send(fsm.Event{Type: fsm.EvStopRecording})
		}
	})()

	orch.OnTransition(func(snap fsm.Snapshot) {
		if snap.State == fsm.StateError {
			mainLogger.Error("session error", "message", snap.Context.Err)
		}
	})

	if host {
		orch.Send(fsm.Event{Type: fsm.EvStartHost})
	} else {
		orch.Send(fsm.Event{Type: fsm.EvStartJoin, Payload: sessionID})
	}

	snap := orch.Snapshot()
	if snap.State == fsm.StateError {
		mainLogger.Fatal("could not start session", "error", snap.Context.Err)
	}
	mainLogger.Info("session ready",
		"session", snap.Context.SessionID,
		"state", snap.State,
		"mode", mode,
	)

	controlLoop(orch, engine, peers, mainLogger)

	orch.Send(fsm.Event{Type: fsm.EvDisconnect})
	mainLogger.Info("goodbye")
}

// autoStopKind reports whether a capture event should end the current
// recording. Only silence and the max-duration cutoff qualify; a speech
// resumption event means the speaker kept going.
func autoStopKind(kind capture.EventKind) bool {
	return kind == capture.EventSilence || kind == capture.EventMaxDuration
}

const commandHelp = "commands: r=record  s=stop  y=send  n=skip  e=reset  d=devices  d <id>=switch  q=quit"

// controlLoop reads single-letter commands from stdin until quit or EOF.
func controlLoop(orch *fsm.Orchestrator, engine *capture.Engine, peers *peer.Manager, mainLogger *log.Logger) {
	fmt.Println(commandHelp)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "d "); ok {
			switchDevice(engine, peers, strings.TrimSpace(rest), mainLogger)
			continue
		}
		switch line {
		case "r":
			orch.Send(fsm.Event{Type: fsm.EvStartRecording})
		case "s":
			orch.Send(fsm.Event{Type: fsm.EvStopRecording})
		case "y":
			orch.Send(fsm.Event{Type: fsm.EvSendTranslation})
		case "n":
			orch.Send(fsm.Event{Type: fsm.EvSkipSend})
		case "e":
			orch.Send(fsm.Event{Type: fsm.EvReset})
		case "d":
			listDevices(engine, mainLogger)
		case "q":
			return
		case "":
		default:
			fmt.Println(commandHelp)
		}

		snap := orch.Snapshot()
		if snap.Context.Pending != nil {
			fmt.Printf("  %q -> %q  (y to send, n to skip)\n",
				snap.Context.Pending.OriginalText,
				snap.Context.Pending.TranslatedText,
			)
		}
	}
	if err := scanner.Err(); err != nil {
		mainLogger.Error("stdin", "error", err.Error())
	}
}

func listDevices(engine *capture.Engine, mainLogger *log.Logger) {
	devices, err := engine.Devices(context.Background())
	if err != nil {
		mainLogger.Error("list devices", "error", err.Error())
		return
	}
	for _, d := range devices {
		id := d.ID
		if id == "" {
			id = "default"
		}
		fmt.Printf("  %-50s %s\n", id, d.Label)
	}
}

// switchDevice swaps the capture input and refreshes the outbound peer track
// so remote listeners follow the new microphone.
func switchDevice(engine *capture.Engine, peers *peer.Manager, deviceID string, mainLogger *log.Logger) {
	if err := engine.SwitchDevice(context.Background(), deviceID); err != nil {
		mainLogger.Error("switch device", "device", deviceID, "error", err.Error())
		return
	}
	if err := peers.RefreshLocalTrack(); err != nil {
		mainLogger.Error("refresh outbound track", "error", err.Error())
	}
}

func runSessions(cmd *cobra.Command, args []string) {
	mainLogger, loggers := createLoggers()

	store, err := db.Open(viper.GetString("database"), loggers["data"])
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background(), 100)
	if err != nil {
		mainLogger.Fatal("list sessions", "error", err.Error())
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Host", "Created At", "Active", "Exchanges"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)

	for _, s := range sessions {
		active := "no"
		if s.Active {
			active = "yes"
		}
		table.Append([]string{
			s.ID,
			s.HostID,
			s.CreatedAt.Format("2006-01-02 15:04:05"),
			active,
			fmt.Sprintf("%d", s.ExchangeCount),
		})
	}
	table.Render()
}

func runHistory(cmd *cobra.Command, args []string) {
	mainLogger, loggers := createLoggers()

	store, err := db.Open(viper.GetString("database"), loggers["data"])
	if err != nil {
		mainLogger.Fatal("open database", "error", err.Error())
	}
	defer store.Close()

	exchanges, err := store.ListExchanges(context.Background(), args[0], 50)
	if err != nil {
		mainLogger.Fatal("list exchanges", "error", err.Error())
	}
	if len(exchanges) == 0 {
		fmt.Println("No exchanges found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Sender", "Original", "Translation", "Langs", "Enhanced"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)

	for _, ex := range exchanges {
		enhanced := ""
		if ex.Enhanced {
			enhanced = "*"
		}
		table.Append([]string{
			ex.Timestamp.Format("15:04:05"),
			ex.SenderID,
			ex.OriginalText,
			ex.TranslatedText,
			ex.SourceLang + ">" + ex.TargetLang,
			enhanced,
		})
	}
	table.Render()
}

func createLoggers() (*log.Logger, map[string]*log.Logger) {
	if logger == nil {
		logger = log.New(os.Stdout)
	}

	logger.SetLevel(log.DebugLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))
	logger.SetStyles(styles)

	loggers := make(map[string]*log.Logger)
	for _, prefix := range []string{"fsm", "mic", "wire", "peer", "pipe", "data"} {
		loggers[prefix] = logger.With().WithPrefix(prefix)
	}
	return logger.With().WithPrefix("main"), loggers
}
