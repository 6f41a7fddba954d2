package tagbot

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"` // webhook or gateway
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	Command       string                          `json:"command" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	command, _ := parseInteraction(i)

	return &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		Command:       command,
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}, nil
}

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions, editing responses,
// and managing interaction lifecycle.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// parseInteraction renders an interaction as the command the user ran
// (ex: "/tag create") along with "name: value" lines for the data
// they submitted with it.
func parseInteraction(i *discordgo.InteractionCreate) (command string, data []string) {
	if i == nil || i.Interaction == nil {
		return "", nil
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand, discordgo.InteractionApplicationCommandAutocomplete:
		cmd := i.ApplicationCommandData()
		switch cmd.CommandType {
		case discordgo.UserApplicationCommand:
			return "User Context " + cmd.Name, nil
		case discordgo.MessageApplicationCommand:
			return "Message Context " + cmd.Name, nil
		}

		parts := []string{"/" + cmd.Name}
		options := cmd.Options
		for len(options) == 1 && (options[0].Type == discordgo.ApplicationCommandOptionSubCommandGroup ||
			options[0].Type == discordgo.ApplicationCommandOptionSubCommand) {
			parts = append(parts, options[0].Name)
			options = options[0].Options
		}
		command = strings.Join(parts, " ")
		if i.Type == discordgo.InteractionApplicationCommandAutocomplete {
			command = "Autocomplete for " + command
		}
		for _, opt := range options {
			data = append(data, fmt.Sprintf("%s: %s", opt.Name, optionValueString(opt, cmd.Resolved)))
		}
		return command, data
	case discordgo.InteractionMessageComponent:
		component := i.MessageComponentData()
		command = fmt.Sprintf("%s %s", componentTypeName(component.ComponentType), component.CustomID)
		if len(component.Values) > 0 {
			data = append(data, "Values: "+strings.Join(component.Values, ", "))
		}
		return command, data
	case discordgo.InteractionModalSubmit:
		modal := i.ModalSubmitData()
		command = "Modal " + modal.CustomID
		for _, c := range modal.Components {
			row, ok := c.(*discordgo.ActionsRow)
			if !ok {
				continue
			}
			for _, rc := range row.Components {
				if input, isInput := rc.(*discordgo.TextInput); isInput {
					data = append(data, fmt.Sprintf("%s: %s", input.CustomID, input.Value))
				}
			}
		}
		return command, data
	default:
		return i.Type.String(), nil
	}
}

func optionValueString(
	opt *discordgo.ApplicationCommandInteractionDataOption,
	resolved *discordgo.ApplicationCommandInteractionDataResolved,
) string {
	if opt.Type == discordgo.ApplicationCommandOptionAttachment {
		id, _ := opt.Value.(string)
		if resolved != nil {
			if a, ok := resolved.Attachments[id]; ok && a != nil {
				return a.URL
			}
		}
		return id
	}
	return fmt.Sprintf("%v", opt.Value)
}

func componentTypeName(t discordgo.ComponentType) string {
	switch t {
	case discordgo.ButtonComponent:
		return "Button"
	case discordgo.SelectMenuComponent, discordgo.UserSelectMenuComponent,
		discordgo.RoleSelectMenuComponent, discordgo.MentionableSelectMenuComponent,
		discordgo.ChannelSelectMenuComponent:
		return "Select Menu"
	default:
		return "Component"
	}
}

// interactionLogGroup identifies i in log output. Empty IDs are omitted.
func interactionLogGroup(i *discordgo.Interaction) slog.Attr {
	attrs := []any{slog.String("id", i.ID), slog.String("type", i.Type.String())}
	for _, kv := range [][2]string{
		{"channel_id", i.ChannelID},
		{"guild_id", i.GuildID},
		{"app_id", i.AppID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	return slog.Group("interaction", attrs...)
}
