package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/momentsync/moments/moments"
)

const MomentCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Moments control.

Usage:
    momentctl token --username=<username> [--secret=<secret>]
        [--duration=<duration>]
    momentctl watch --url=<url> --moment=<moment> --identity=<identity>
        [--tags]
    momentctl add --url=<url> --moment=<moment> --identity=<identity>
        [--api_url=<api_url>] [--tags] <file>
    momentctl delete --url=<url> --moment=<moment> --identity=<identity>
        --media=<media>
    momentctl typing --url=<url> --moment=<moment> --identity=<identity>
        [--stop]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Server base url, e.g. http://127.0.0.1:8080.
    --moment=<moment>      Moment id.
    --identity=<identity>  Identity value sent in init (username or token).
    --api_url=<api_url>    Media api base url (defaults to --url).
    --username=<username>
    --secret=<secret>      Hs256 secret (prompted when omitted).
    --duration=<duration>  Token lifetime [default: 24h].
    --media=<media>        Media id.
    --tags                 Tag confirmations for key based reconciliation.
    --stop                 Send a typing stop instead of a start.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MomentCtlVersion)
	if err != nil {
		panic(err)
	}

	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if add_, _ := opts.Bool("add"); add_ {
		add(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		delete_(opts)
	} else if typing_, _ := opts.Bool("typing"); typing_ {
		typing(opts)
	}
}

// mint an identity token for a jwt mode server
func token(opts docopt.Opts) {
	username, _ := opts.String("--username")

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Print("Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	durationStr, _ := opts.String("--duration")
	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		Err.Printf("Invalid duration (%s).", err)
		return
	}

	identityToken, err := moments.NewIdentityToken(username, []byte(secret), duration)
	if err != nil {
		Err.Printf("Token error (%s).", err)
		return
	}
	Out.Printf("%s", identityToken)
}

func newClient(ctx context.Context, opts docopt.Opts) (*moments.MomentClient, error) {
	url_, _ := opts.String("--url")
	momentId, _ := opts.String("--moment")
	identityValue, _ := opts.String("--identity")

	endpoint, err := moments.EndpointFromOrigin(url_, momentId)
	if err != nil {
		return nil, err
	}

	settings := moments.DefaultMomentClientSettings()
	if tags_, _ := opts.Bool("--tags"); tags_ {
		settings.ReconcilerSettings.TagConfirmations = true
	}

	return moments.NewMomentClient(ctx, endpoint, momentId, identityValue, settings), nil
}

func awaitOpen(link *moments.Link, timeout time.Duration) error {
	states := make(chan moments.LinkState, 8)
	removeCallback := link.AddStateChangeCallback(func(state moments.LinkState) {
		select {
		case states <- state:
		default:
		}
	})
	defer removeCallback()

	if link.State() == moments.LinkStateOpen {
		return nil
	}

	deadline := time.After(timeout)
	for {
		select {
		case state := <-states:
			if state == moments.LinkStateOpen {
				return nil
			}
			if state == moments.LinkStateClosed {
				return errors.New("link closed")
			}
		case <-deadline:
			return errors.New("timeout")
		}
	}
}

// follow a moment and print everything that happens in it
func watch(opts docopt.Opts) {
	event := moments.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	client, err := newClient(ctx, opts)
	if err != nil {
		Err.Printf("Invalid url (%s).", err)
		return
	}
	defer client.Logout()

	client.AddLinkStateChangeCallback(func(state moments.LinkState) {
		Out.Printf("link %s", state)
	})
	client.AddItemChangeCallback(func(change moments.ItemChange, item moments.MediaItem) {
		Out.Printf("%s %s", change, item)
	})
	client.AddTypingChangeCallback(func(typing []string) {
		Out.Printf("typing: %s", strings.Join(typing, ", "))
	})
	client.AddMomentDataCallback(func(moment *moments.MomentData) {
		Out.Printf("moment %s: %d items, %d members", moment.MomentId, moment.MediaCount, moment.MemberCount)
	})
	client.AddNotificationCallback(func(title string, body string) {
		Out.Printf("notification %s: %s", title, body)
	})
	client.AddSignalCallback(func(envelope *moments.Envelope) {
		Out.Printf("signal %s from %s", envelope.Type, envelope.Sender)
	})

	select {
	case <-ctx.Done():
	}
}

// upload a file and wait for the confirmation fan-out to come back
func add(opts docopt.Opts) {
	filePath, _ := opts.String("<file>")
	url_, _ := opts.String("--url")
	identityValue, _ := opts.String("--identity")

	apiUrl := url_
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		Err.Printf("Read error (%s).", err)
		return
	}
	contentType := http.DetectContentType(data)

	event := moments.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	client, err := newClient(ctx, opts)
	if err != nil {
		Err.Printf("Invalid url (%s).", err)
		return
	}
	defer client.Logout()

	api := moments.NewMediaApiWithContext(ctx, apiUrl)
	api.SetAuthToken(identityValue)
	client.SetMediaApi(api)

	if err := awaitOpen(client.Link(), 15*time.Second); err != nil {
		Err.Printf("Not connected (%s).", err)
		return
	}

	confirmed := make(chan moments.MediaItem, 1)
	client.AddItemChangeCallback(func(change moments.ItemChange, item moments.MediaItem) {
		if change == moments.ItemChangeConfirm && item.Local {
			select {
			case confirmed <- item:
			default:
			}
		}
	})

	ack := make(chan error, 1)
	_, err = client.AddMedia(
		&moments.AddMediaArgs{
			ContentType: contentType,
			Data:        data,
		},
		moments.NewApiCallback[*moments.AddMediaResult](func(result *moments.AddMediaResult, err error) {
			if err == nil {
				Out.Printf("uploaded %s", result.MediaId)
			}
			ack <- err
		}),
	)
	if err != nil {
		Err.Printf("Add error (%s).", err)
		return
	}

	select {
	case err := <-ack:
		if err != nil {
			Err.Printf("Upload failed (%s).", err)
			return
		}
	case <-time.After(60 * time.Second):
		Err.Printf("Upload timeout.")
		return
	case <-ctx.Done():
		return
	}

	select {
	case item := <-confirmed:
		Out.Printf("confirmed %s", item.MediaId)
	case <-time.After(10 * time.Second):
		Err.Printf("No confirmation.")
	case <-ctx.Done():
	}
}

// delete a media id everywhere and wait for the fan-out to come back
func delete_(opts docopt.Opts) {
	mediaId, _ := opts.String("--media")

	event := moments.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	client, err := newClient(ctx, opts)
	if err != nil {
		Err.Printf("Invalid url (%s).", err)
		return
	}
	defer client.Logout()

	if err := awaitOpen(client.Link(), 15*time.Second); err != nil {
		Err.Printf("Not connected (%s).", err)
		return
	}

	removed := make(chan moments.MediaItem, 1)
	client.AddItemChangeCallback(func(change moments.ItemChange, item moments.MediaItem) {
		if change == moments.ItemChangeRemove && item.MediaId == mediaId {
			select {
			case removed <- item:
			default:
			}
		}
	})

	if err := client.DeleteMedia(mediaId); err != nil {
		Err.Printf("Delete error (%s).", err)
		return
	}

	select {
	case <-removed:
		Out.Printf("deleted %s", mediaId)
	case <-time.After(10 * time.Second):
		// not in the view here, but the delete may still have landed
		Out.Printf("sent delete %s", mediaId)
	case <-ctx.Done():
	}
}

func typing(opts docopt.Opts) {
	stop_, _ := opts.Bool("--stop")

	event := moments.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	client, err := newClient(ctx, opts)
	if err != nil {
		Err.Printf("Invalid url (%s).", err)
		return
	}
	defer client.Logout()

	if err := awaitOpen(client.Link(), 15*time.Second); err != nil {
		Err.Printf("Not connected (%s).", err)
		return
	}

	if err := client.SetTyping(!stop_); err != nil {
		Err.Printf("Typing error (%s).", err)
		return
	}

	// let the write pump flush before logout
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
	Out.Printf("sent")
}
