package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aslanahmtv/notification-service/internal/broker"
	"github.com/aslanahmtv/notification-service/internal/config"
	"github.com/aslanahmtv/notification-service/internal/notifications"
)

type publishOptions struct {
	action     string
	eventID    string
	data       string
	createdBy  string
	routingKey string
	messageID  string
}

func newPublishCmd() *cobra.Command {
	var opts publishOptions
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a change message to the configured broker",
		Example: `  notifyd publish --action created --event-id 42 --data '{"title":"Launch"}' --created-by u1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, routingKey, err := opts.envelope()
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pub, err := broker.NewPublisher(cfg.Broker)
			if err != nil {
				return err
			}
			defer pub.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := pub.Publish(ctx, routingKey, body); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", routingKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.action, "action", "created", "created, updated or deleted")
	cmd.Flags().StringVar(&opts.eventID, "event-id", "", "id of the changed event, used as the topic")
	cmd.Flags().StringVar(&opts.data, "data", "{}", "JSON object merged into the message data")
	cmd.Flags().StringVar(&opts.createdBy, "created-by", "", "sets data.created_by")
	cmd.Flags().StringVar(&opts.routingKey, "routing-key", "", "routing key (default event.<action>)")
	cmd.Flags().StringVar(&opts.messageID, "message-id", "", "message id (default random)")
	cmd.MarkFlagRequired("event-id")
	return cmd
}

// envelope builds the message body in the shape the decoder accepts and
// validates it before anything is sent.
func (o publishOptions) envelope() ([]byte, string, error) {
	if !notifications.Action(o.action).Valid() {
		return nil, "", fmt.Errorf("unknown action %q", o.action)
	}
	data := map[string]any{}
	if err := json.Unmarshal([]byte(o.data), &data); err != nil {
		return nil, "", fmt.Errorf("--data must be a JSON object: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = o.eventID
	if o.createdBy != "" {
		data["created_by"] = o.createdBy
	}
	messageID := o.messageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	body, err := json.Marshal(map[string]any{
		"type":       "event",
		"action":     o.action,
		"data":       data,
		"message_id": messageID,
	})
	if err != nil {
		return nil, "", err
	}
	if _, err := notifications.Decode(body); err != nil {
		return nil, "", err
	}

	routingKey := o.routingKey
	if routingKey == "" {
		routingKey = "event." + o.action
	}
	return body, routingKey, nil
}
