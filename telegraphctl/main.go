package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/apeiron888/telegraph"
)

const TelegraphCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

// defaults for the platform urls and local state, overridable per command
type EnvConfig struct {
	ApiUrl   string `env:"TELEGRAPH_API_URL" envDefault:"http://localhost:8080/api/v1"`
	WsUrl    string `env:"TELEGRAPH_WS_URL" envDefault:"ws://localhost:8080/api/v1/ws"`
	StateDir string `env:"TELEGRAPH_STATE_DIR"`
}

func main() {
	usage := `Telegraph control.

The default urls come from TELEGRAPH_API_URL and TELEGRAPH_WS_URL.
Session tokens persist under TELEGRAPH_STATE_DIR (default ~/.telegraph)
until logout.

Usage:
    telegraphctl register --username=<username> --email=<email> [--password=<password>]
        [--api_url=<api_url>]
    telegraphctl login --user_auth=<user_auth> [--password=<password>]
        [--api_url=<api_url>]
    telegraphctl logout [--api_url=<api_url>]
    telegraphctl whoami [--api_url=<api_url>]
    telegraphctl channels [--api_url=<api_url>]
    telegraphctl channel <channel_id> [--api_url=<api_url>]
    telegraphctl create-channel --name=<name> [--type=<type>] [--label=<label>]
        [--api_url=<api_url>]
    telegraphctl rename-channel <channel_id> --name=<name> [--api_url=<api_url>]
    telegraphctl delete-channel <channel_id> [--api_url=<api_url>]
    telegraphctl add-member <channel_id> --username=<username> [--api_url=<api_url>]
    telegraphctl remove-member <channel_id> <user_id> [--api_url=<api_url>]
    telegraphctl promote <channel_id> <user_id> [--api_url=<api_url>]
    telegraphctl demote <channel_id> <user_id> [--api_url=<api_url>]
    telegraphctl history <channel_id> [--limit=<limit>] [--api_url=<api_url>]
    telegraphctl send <channel_id> <message> [--api_url=<api_url>]
    telegraphctl unread [--api_url=<api_url>]
    telegraphctl watch [<channel_id>] [--api_url=<api_url>] [--ws_url=<ws_url>]
    telegraphctl theme [<value>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --username=<username>
    --email=<email>
    --user_auth=<user_auth>  Username or email.
    --password=<password>    Prompted when omitted.
    --name=<name>
    --type=<type>            private or group [default: group].
    --label=<label>          Security label.
    --limit=<limit>          Number of messages [default: 50].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TelegraphCtlVersion)
	if err != nil {
		panic(err)
	}

	envConfig := &EnvConfig{}
	if err := env.Parse(envConfig); err != nil {
		Err.Fatalf("cannot parse env config: %v", err)
	}
	if envConfig.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			Err.Fatalf("cannot resolve home dir: %v", err)
		}
		envConfig.StateDir = filepath.Join(home, ".telegraph")
	}

	if register_, _ := opts.Bool("register"); register_ {
		register(opts, envConfig)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts, envConfig)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts, envConfig)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts, envConfig)
	} else if channels_, _ := opts.Bool("channels"); channels_ {
		channels(opts, envConfig)
	} else if channel_, _ := opts.Bool("channel"); channel_ {
		channel(opts, envConfig)
	} else if createChannel_, _ := opts.Bool("create-channel"); createChannel_ {
		createChannel(opts, envConfig)
	} else if renameChannel_, _ := opts.Bool("rename-channel"); renameChannel_ {
		renameChannel(opts, envConfig)
	} else if deleteChannel_, _ := opts.Bool("delete-channel"); deleteChannel_ {
		deleteChannel(opts, envConfig)
	} else if addMember_, _ := opts.Bool("add-member"); addMember_ {
		addMember(opts, envConfig)
	} else if removeMember_, _ := opts.Bool("remove-member"); removeMember_ {
		removeMember(opts, envConfig)
	} else if promote_, _ := opts.Bool("promote"); promote_ {
		promote(opts, envConfig)
	} else if demote_, _ := opts.Bool("demote"); demote_ {
		demote(opts, envConfig)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts, envConfig)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts, envConfig)
	} else if unread_, _ := opts.Bool("unread"); unread_ {
		unread(opts, envConfig)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts, envConfig)
	} else if theme_, _ := opts.Bool("theme"); theme_ {
		theme(opts, envConfig)
	}
}

func apiUrl(opts docopt.Opts, envConfig *EnvConfig) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return envConfig.ApiUrl
}

func wsUrl(opts docopt.Opts, envConfig *EnvConfig) string {
	if wsUrlAny := opts["--ws_url"]; wsUrlAny != nil {
		return wsUrlAny.(string)
	}
	return envConfig.WsUrl
}

func promptPassword(opts docopt.Opts) string {
	if passwordAny := opts["--password"]; passwordAny != nil {
		return passwordAny.(string)
	}
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func newSessionStore(ctx context.Context, opts docopt.Opts, envConfig *EnvConfig) (*telegraph.SessionStore, *telegraph.TelegraphApi) {
	keystore, err := telegraph.NewKeystore(envConfig.StateDir)
	if err != nil {
		Err.Fatalf("keystore: %v", err)
	}
	api := telegraph.NewTelegraphApiWithContext(ctx, apiUrl(opts, envConfig))
	return telegraph.NewSessionStore(ctx, api, keystore), api
}

// restores the persisted session or exits with a login hint
func requireSession(ctx context.Context, opts docopt.Opts, envConfig *EnvConfig) (*telegraph.Session, *telegraph.TelegraphApi) {
	sessionStore, api := newSessionStore(ctx, opts, envConfig)
	session, err := sessionStore.RestoreSync()
	if err != nil {
		Err.Fatalf("session restore: %v", err)
	}
	if session == nil {
		Err.Fatalf("not logged in. Run: telegraphctl login --user_auth=<user_auth>")
	}
	return session, api
}

func register(opts docopt.Opts, envConfig *EnvConfig) {
	sessionStore, _ := newSessionStore(context.Background(), opts, envConfig)

	username := opts["--username"].(string)
	email := opts["--email"].(string)
	password := promptPassword(opts)

	user, err := sessionStore.RegisterSync(username, email, password)
	if err != nil {
		Err.Fatalf("register: %v", err)
	}
	Out.Printf("registered %s (%s)", user.Username, user.Id)
}

func login(opts docopt.Opts, envConfig *EnvConfig) {
	sessionStore, _ := newSessionStore(context.Background(), opts, envConfig)

	userAuth := opts["--user_auth"].(string)
	password := promptPassword(opts)

	session, err := sessionStore.LoginSync(userAuth, password)
	if err != nil {
		Err.Fatalf("login: %v", err)
	}
	Out.Printf("logged in as %s (%s)", session.Username, session.UserId)
}

func logout(opts docopt.Opts, envConfig *EnvConfig) {
	sessionStore, _ := newSessionStore(context.Background(), opts, envConfig)
	sessionStore.Logout()
	Out.Printf("logged out")
}

func whoami(opts docopt.Opts, envConfig *EnvConfig) {
	session, api := requireSession(context.Background(), opts, envConfig)

	me, err := api.GetMeSync()
	if err != nil {
		Err.Fatalf("whoami: %v", err)
	}
	Out.Printf("%s (%s)", me.User.Username, session.UserId)
	if me.User.Email != "" {
		Out.Printf("email: %s", me.User.Email)
	}
}

func channels(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	result, err := api.GetChannelsSync()
	if err != nil {
		Err.Fatalf("channels: %v", err)
	}
	for _, channel := range result.Channels {
		Out.Printf("%s  %-7s  %s (%d members)", channel.Id, channel.Type, channel.Name, len(channel.Members))
	}
}

func channel(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	result, err := api.GetChannelSync(&telegraph.GetChannelArgs{ChannelId: channelId})
	if err != nil {
		Err.Fatalf("channel: %v", err)
	}
	c := result.Channel
	Out.Printf("%s  %-7s  %s", c.Id, c.Type, c.Name)
	if c.SecurityLabel != "" {
		Out.Printf("label: %s", c.SecurityLabel)
	}
	printMembers(&c)
}

func createChannel(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelType := telegraph.ChannelTypeGroup
	if typeAny := opts["--type"]; typeAny != nil {
		channelType = typeAny.(string)
	}
	var label string
	if labelAny := opts["--label"]; labelAny != nil {
		label = labelAny.(string)
	}

	result, err := api.CreateChannelSync(&telegraph.CreateChannelArgs{
		Type:          channelType,
		Name:          opts["--name"].(string),
		SecurityLabel: label,
	})
	if err != nil {
		Err.Fatalf("create-channel: %v", err)
	}
	Out.Printf("created %s (%s)", result.Channel.Name, result.Channel.Id)
}

func renameChannel(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	result, err := api.UpdateChannelSync(&telegraph.UpdateChannelArgs{
		ChannelId: channelId,
		Name:      opts["--name"].(string),
	})
	if err != nil {
		Err.Fatalf("rename-channel: %v", err)
	}
	Out.Printf("renamed %s to %s", result.Channel.Id, result.Channel.Name)
}

func deleteChannel(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	if _, err := api.DeleteChannelSync(&telegraph.DeleteChannelArgs{ChannelId: channelId}); err != nil {
		Err.Fatalf("delete-channel: %v", err)
	}
	Out.Printf("deleted %s", channelId)
}

func addMember(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	result, err := api.AddMemberSync(&telegraph.AddMemberArgs{
		ChannelId: channelId,
		Username:  opts["--username"].(string),
	})
	if err != nil {
		Err.Fatalf("add-member: %v", err)
	}
	printMembers(&result.Channel)
}

func removeMember(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	userId := telegraph.RequireParseId(opts["<user_id>"].(string))
	result, err := api.RemoveMemberSync(&telegraph.RemoveMemberArgs{
		ChannelId: channelId,
		UserId:    userId,
	})
	if err != nil {
		Err.Fatalf("remove-member: %v", err)
	}
	printMembers(&result.Channel)
}

func promote(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	userId := telegraph.RequireParseId(opts["<user_id>"].(string))
	result, err := api.PromoteMemberSync(&telegraph.PromoteMemberArgs{
		ChannelId: channelId,
		UserId:    userId,
	})
	if err != nil {
		Err.Fatalf("promote: %v", err)
	}
	printMembers(&result.Channel)
}

func demote(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	userId := telegraph.RequireParseId(opts["<user_id>"].(string))
	result, err := api.DemoteMemberSync(&telegraph.DemoteMemberArgs{
		ChannelId: channelId,
		UserId:    userId,
	})
	if err != nil {
		Err.Fatalf("demote: %v", err)
	}
	printMembers(&result.Channel)
}

func printMembers(channel *telegraph.Channel) {
	for _, member := range channel.Members {
		Out.Printf("%s  %-6s  %s", member.UserId, member.Role, member.Username)
	}
}

func history(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	limit, _ := opts.Int("--limit")

	result, err := api.GetMessagesSync(&telegraph.GetMessagesArgs{
		ChannelId: channelId,
		Limit:     limit,
	})
	if err != nil {
		Err.Fatalf("history: %v", err)
	}
	for i := len(result.Messages) - 1; 0 <= i; i -= 1 {
		message := result.Messages[i]
		Out.Printf("%s  %s  %s", message.CreateTime.Format(time.RFC3339), message.SenderId, message.Content)
	}
}

func send(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	channelId := telegraph.RequireParseId(opts["<channel_id>"].(string))
	result, err := api.SendMessageSync(&telegraph.SendMessageArgs{
		ChannelId: channelId,
		Content:   opts["<message>"].(string),
		TempId:    telegraph.NewId(),
	})
	if err != nil {
		Err.Fatalf("send: %v", err)
	}
	Out.Printf("sent %s", result.Message.Id)
}

func unread(opts docopt.Opts, envConfig *EnvConfig) {
	_, api := requireSession(context.Background(), opts, envConfig)

	result, err := api.GetUnreadSync()
	if err != nil {
		Err.Fatalf("unread: %v", err)
	}
	for channelId, count := range result.Unread {
		if 0 < count {
			Out.Printf("%s  %d", channelId, count)
		}
	}
}

// tails the push channel, printing events as they arrive. With a channel id
// the store keeps that channel active and issues read receipts for it.
func watch(opts docopt.Opts, envConfig *EnvConfig) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := telegraph.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	session, api := requireSession(ctx, opts, envConfig)

	transport := telegraph.NewPushTransportWithDefaults(ctx, wsUrl(opts, envConfig), api)
	defer transport.Close()

	store := telegraph.NewChatStoreWithDefaults(ctx, api, transport, session.UserId)
	defer store.Close()

	unsubState := transport.AddStateChangeCallback(func(state telegraph.TransportState) {
		Out.Printf("[%s]", state)
	})
	defer unsubState()

	var watchChannelId *telegraph.Id
	if channelIdAny := opts["<channel_id>"]; channelIdAny != nil {
		channelId := telegraph.RequireParseId(channelIdAny.(string))
		watchChannelId = &channelId
	}

	unsubEvents := transport.AddEventCallback(func(pushEvent *telegraph.PushEvent) {
		Out.Printf("%s %s", pushEvent.Kind, string(pushEvent.Payload))
		if watchChannelId != nil && pushEvent.Kind == telegraph.EventKindMessageCreated {
			store.MarkChannelRead(*watchChannelId)
		}
	})
	defer unsubEvents()

	transport.Connect()
	store.LoadChannels()
	store.LoadUnread()
	if watchChannelId != nil {
		store.SetActiveChannel(*watchChannelId)
	}

	<-ctx.Done()
}

// persisted ui theme preference, kept with the tokens in the keystore
func theme(opts docopt.Opts, envConfig *EnvConfig) {
	keystore, err := telegraph.NewKeystore(envConfig.StateDir)
	if err != nil {
		Err.Fatalf("keystore: %v", err)
	}

	if valueAny := opts["<value>"]; valueAny != nil {
		if err := keystore.Set(telegraph.KeystoreTheme, valueAny.(string)); err != nil {
			Err.Fatalf("theme: %v", err)
		}
		Out.Printf("theme set to %s", valueAny.(string))
		return
	}

	if value, ok := keystore.Get(telegraph.KeystoreTheme); ok {
		Out.Printf("%s", value)
	} else {
		Out.Printf("light")
	}
}
