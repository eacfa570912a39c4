package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/classrelay/client"
	"github.com/alwitt/classrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// SubscriberIdentity who the socket client claims to be
type SubscriberIdentity struct {
	// User the user identity, sent in the configured identity header
	User string
}

// ListenCLIArgs arguments of the listen subcommand
type ListenCLIArgs struct {
	SubscriberIdentity
	CourseID uint64 `validate:"required,gt=0"`
}

// EmitCLIArgs arguments of the emit subcommand
type EmitCLIArgs struct {
	SubscriberIdentity
	CourseID uint64 `validate:"required,gt=0"`
	Kind     string `validate:"required,oneof=assignment announcement grade info"`
	Title    string `validate:"required"`
	Message  string
}

// getIdentityCLIFlags the CMD flags shared by the socket client subcommands
func getIdentityCLIFlags(args *SubscriberIdentity) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Usage:       "User identity to present to the relay",
			Aliases:     []string{"u"},
			EnvVars:     []string{"CLASSRELAY_USER"},
			Value:       "",
			DefaultText: "",
			Destination: &args.User,
			Required:    false,
		},
	}
}

// GetListenCLIFlags retrieve the set of CMD flags for the listen subcommand
func GetListenCLIFlags(args *ListenCLIArgs) []cli.Flag {
	return append(getIdentityCLIFlags(&args.SubscriberIdentity), &cli.Uint64Flag{
		Name:        "course-id",
		Usage:       "Course to follow",
		Aliases:     []string{"cid"},
		EnvVars:     []string{"CLASSRELAY_COURSE_ID"},
		Destination: &args.CourseID,
		Required:    true,
	})
}

// GetEmitCLIFlags retrieve the set of CMD flags for the emit subcommand
func GetEmitCLIFlags(args *EmitCLIArgs) []cli.Flag {
	return append(
		getIdentityCLIFlags(&args.SubscriberIdentity),
		&cli.Uint64Flag{
			Name:        "course-id",
			Usage:       "Course to notify",
			Aliases:     []string{"cid"},
			EnvVars:     []string{"CLASSRELAY_COURSE_ID"},
			Destination: &args.CourseID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "kind",
			Usage:       "Notification kind: [assignment announcement grade info]",
			Aliases:     []string{"k"},
			Value:       string(common.KindInfo),
			DefaultText: string(common.KindInfo),
			Destination: &args.Kind,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "title",
			Usage:       "Notification title",
			Aliases:     []string{"t"},
			Destination: &args.Title,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "message",
			Usage:       "Notification message",
			Aliases:     []string{"m"},
			Destination: &args.Message,
			Required:    false,
		},
	)
}

// defineDialer connect to the relay with the identity header set
func defineDialer(config *common.ClientConfig, identity SubscriberIdentity) client.Dialer {
	header := http.Header{}
	if config.IdentityHeader != "" && identity.User != "" {
		header.Set(config.IdentityHeader, identity.User)
	}
	return client.NewWebSocketDialer(
		config.ServerURL,
		header,
		time.Second*time.Duration(config.HandshakeTimeout),
		time.Second*time.Duration(config.ReadTimeout),
	)
}

// RunListener follow a course and print its notifications until stopped
func RunListener(
	runTimeContext context.Context,
	config *common.ClientConfig,
	params ListenCLIArgs,
	instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "listener",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	offline := make(chan struct{}, 1)
	subscriber, err := client.NewClient(
		runTimeContext,
		defineDialer(config, params.SubscriberIdentity),
		client.ParamsFromConfig(*config),
		client.Callbacks{
			OnNotification: func(notification common.Notification) {
				t, err := json.Marshal(&notification)
				if err != nil {
					log.WithError(err).WithFields(logTags).Error("Failed to serialize notification")
					return
				}
				fmt.Println(string(t))
			},
			OnSubscribed: func(ack common.SubscribedResponse) {
				log.WithFields(logTags).Info(ack.Message)
			},
			OnStateChange: func(state client.State) {
				if state == client.StateOffline {
					select {
					case offline <- struct{}{}:
					default:
					}
				}
			},
		},
		params.CourseID,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return err
	}
	defer subscriber.Close()

	select {
	case <-runTimeContext.Done():
		return nil
	case <-offline:
		return fmt.Errorf("relay %s unreachable", config.ServerURL)
	}
}

// RunEmit send one notification to a course over the relay socket
func RunEmit(
	runTimeContext context.Context,
	config *common.ClientConfig,
	params EmitCLIArgs,
	instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "emit",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	stateChange := make(chan client.State, 8)
	sender, err := client.NewClient(
		runTimeContext,
		defineDialer(config, params.SubscriberIdentity),
		client.ParamsFromConfig(*config),
		client.Callbacks{
			OnError: func(resp common.ErrorResponse) {
				log.WithFields(logTags).Errorf("Relay rejected notification: %s", resp.Message)
			},
			OnStateChange: func(state client.State) {
				select {
				case stateChange <- state:
				default:
				}
			},
		},
		0,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define socket client")
		return err
	}
	defer sender.Close()

	for {
		select {
		case <-runTimeContext.Done():
			return runTimeContext.Err()
		case state := <-stateChange:
			switch state {
			case client.StateOffline:
				return fmt.Errorf("relay %s unreachable", config.ServerURL)
			case client.StateOnline:
				if err := sender.Notify(
					params.CourseID,
					common.NotificationKind(params.Kind),
					params.Title,
					params.Message,
				); err != nil {
					log.WithError(err).WithFields(logTags).Error("Failed to send notification")
					return err
				}
				log.WithFields(logTags).Infof("Sent '%s' to course %d", params.Title, params.CourseID)
				return nil
			}
		}
	}
}
