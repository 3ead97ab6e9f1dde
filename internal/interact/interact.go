// Package interact sends the outbound interactions an account performs on
// the vendor bot: button clicks, modal submissions and slash commands.
package interact

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/zulandar/mjgate/internal/models"
)

const (
	// DefaultAPIBase is the REST root the interactions are posted to.
	DefaultAPIBase = "https://discord.com/api/v9"
	// DefaultApplicationID is the vendor bot's application id.
	DefaultApplicationID = "936929561302675456"

	defaultRPS   = 1.0
	defaultBurst = 2
)

// AccountSource loads the account an interaction is sent for.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// SessionSource returns the gateway session id of an account's live
// connection, or "" when none is running.
type SessionSource func(accountID string) string

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	Accounts      AccountSource
	Sessions      SessionSource
	APIBase       string
	ApplicationID string

	// RPS and Burst bound interactions per account.
	RPS   float64
	Burst int

	// For testing: route requests to a fake API.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client posts interactions through a per-account discordgo REST session.
type Client struct {
	accounts AccountSource
	sessions SessionSource
	apiBase  string
	appID    string
	rps      rate.Limit
	burst    int
	http     *http.Client
	log      zerolog.Logger

	mu       sync.Mutex
	peers    map[string]*peer
	commands map[string]*discordgo.ApplicationCommand // account:name -> command
}

// peer is one account's REST session and limiter.
type peer struct {
	token   string
	session *discordgo.Session
	limiter *rate.Limiter
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Accounts == nil {
		return nil, fmt.Errorf("interact: account source is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("interact: session source is required")
	}
	c := &Client{
		accounts: opts.Accounts,
		sessions: opts.Sessions,
		apiBase:  strings.TrimRight(opts.APIBase, "/"),
		appID:    opts.ApplicationID,
		rps:      rate.Limit(opts.RPS),
		burst:    opts.Burst,
		http:     opts.HTTPClient,
		log:      opts.Logger,
		peers:    make(map[string]*peer),
		commands: make(map[string]*discordgo.ApplicationCommand),
	}
	if c.apiBase == "" {
		c.apiBase = DefaultAPIBase
	}
	if c.appID == "" {
		c.appID = DefaultApplicationID
	}
	if c.rps <= 0 {
		c.rps = defaultRPS
	}
	if c.burst <= 0 {
		c.burst = defaultBurst
	}
	return c, nil
}

// interactionRequest is the body of POST /interactions.
type interactionRequest struct {
	Type          discordgo.InteractionType `json:"type"`
	ApplicationID string                    `json:"application_id"`
	GuildID       string                    `json:"guild_id,omitempty"`
	ChannelID     string                    `json:"channel_id"`
	MessageFlags  *int                      `json:"message_flags,omitempty"`
	MessageID     string                    `json:"message_id,omitempty"`
	SessionID     string                    `json:"session_id"`
	Nonce         string                    `json:"nonce"`
	Data          any                       `json:"data"`
}

type componentData struct {
	ComponentType discordgo.ComponentType `json:"component_type"`
	CustomID      string                  `json:"custom_id"`
}

type modalData struct {
	ID         string     `json:"id"`
	CustomID   string     `json:"custom_id"`
	Components []modalRow `json:"components"`
}

type modalRow struct {
	Type       discordgo.ComponentType `json:"type"`
	Components []modalInput            `json:"components"`
}

type modalInput struct {
	Type     discordgo.ComponentType `json:"type"`
	CustomID string                  `json:"custom_id"`
	Value    string                  `json:"value"`
}

type commandData struct {
	Version            string                           `json:"version"`
	ID                 string                           `json:"id"`
	Name               string                           `json:"name"`
	Type               discordgo.ApplicationCommandType `json:"type"`
	Options            []any                            `json:"options"`
	ApplicationCommand *discordgo.ApplicationCommand    `json:"application_command"`
	Attachments        []any                            `json:"attachments"`
}

// ClickButton presses the component customID on messageID.
func (c *Client) ClickButton(ctx context.Context, accountID, messageID, customID, nonce string, flags int) error {
	a, p, sid, err := c.prepare(ctx, accountID)
	if err != nil {
		return err
	}
	req := interactionRequest{
		Type:          discordgo.InteractionMessageComponent,
		ApplicationID: c.appID,
		GuildID:       a.GuildID,
		ChannelID:     a.ChannelID,
		MessageFlags:  &flags,
		MessageID:     messageID,
		SessionID:     sid,
		Nonce:         nonce,
		Data:          componentData{ComponentType: discordgo.ButtonComponent, CustomID: customID},
	}
	if err := c.post(ctx, p, req); err != nil {
		return fmt.Errorf("interact: click %s on %s: %w", customID, messageID, err)
	}
	c.log.Debug().Str("account", accountID).Str("custom_id", customID).Msg("button clicked")
	return nil
}

// SubmitModal answers the modal opened by interactionID with prompt.
func (c *Client) SubmitModal(ctx context.Context, accountID, interactionID, customID, prompt, nonce string) error {
	a, p, sid, err := c.prepare(ctx, accountID)
	if err != nil {
		return err
	}
	req := interactionRequest{
		Type:          discordgo.InteractionModalSubmit,
		ApplicationID: c.appID,
		GuildID:       a.GuildID,
		ChannelID:     a.ChannelID,
		SessionID:     sid,
		Nonce:         nonce,
		Data: modalData{
			ID:       interactionID,
			CustomID: customID,
			Components: []modalRow{{
				Type: discordgo.ActionsRowComponent,
				Components: []modalInput{{
					Type:     discordgo.TextInputComponent,
					CustomID: ModalInputID(customID),
					Value:    prompt,
				}},
			}},
		},
	}
	if err := c.post(ctx, p, req); err != nil {
		return fmt.Errorf("interact: submit modal %s: %w", customID, err)
	}
	c.log.Debug().Str("account", accountID).Str("custom_id", customID).Msg("modal submitted")
	return nil
}

// SwitchMode runs the /fast, /relax or /turbo command for the account.
func (c *Client) SwitchMode(ctx context.Context, accountID, mode string) error {
	switch mode {
	case models.ModeFast, models.ModeRelax, models.ModeTurbo:
	default:
		return fmt.Errorf("interact: unknown mode %q", mode)
	}
	return c.Command(ctx, accountID, mode, models.NewNonce())
}

// Command runs the named slash command without options.
func (c *Client) Command(ctx context.Context, accountID, name, nonce string) error {
	a, p, sid, err := c.prepare(ctx, accountID)
	if err != nil {
		return err
	}
	cmd, err := c.lookupCommand(ctx, a, p, name)
	if err != nil {
		return err
	}
	req := interactionRequest{
		Type:          discordgo.InteractionApplicationCommand,
		ApplicationID: cmd.ApplicationID,
		GuildID:       a.GuildID,
		ChannelID:     a.ChannelID,
		SessionID:     sid,
		Nonce:         nonce,
		Data: commandData{
			Version:            cmd.Version,
			ID:                 cmd.ID,
			Name:               cmd.Name,
			Type:               discordgo.ChatApplicationCommand,
			Options:            []any{},
			ApplicationCommand: cmd,
			Attachments:        []any{},
		},
	}
	if err := c.post(ctx, p, req); err != nil {
		return fmt.Errorf("interact: command /%s: %w", name, err)
	}
	c.log.Info().Str("account", accountID).Str("command", name).Msg("command sent")
	return nil
}

// ModalInputID derives the text-input id of a vendor modal from the modal's
// custom id: "MJ::RemixModal::<job>" -> "MJ::RemixModal::new_prompt".
func ModalInputID(modalCustomID string) string {
	parts := strings.Split(modalCustomID, "::")
	if len(parts) < 2 {
		return modalCustomID
	}
	return parts[0] + "::" + parts[1] + "::new_prompt"
}

func (c *Client) prepare(ctx context.Context, accountID string) (*models.Account, *peer, string, error) {
	a, err := c.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("interact: load account %s: %w", accountID, err)
	}
	sid := c.sessions(accountID)
	if sid == "" {
		return nil, nil, "", fmt.Errorf("interact: account %s has no live session", accountID)
	}
	p, err := c.peerFor(a)
	if err != nil {
		return nil, nil, "", err
	}
	return a, p, sid, nil
}

func (c *Client) peerFor(a *models.Account) (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[a.ID]; ok && p.token == a.UserToken {
		return p, nil
	}
	s, err := discordgo.New(a.UserToken)
	if err != nil {
		return nil, fmt.Errorf("interact: session for %s: %w", a.ID, err)
	}
	if a.UserAgent != "" {
		s.UserAgent = a.UserAgent
	}
	if c.http != nil {
		s.Client = c.http
	}
	p := &peer{
		token:   a.UserToken,
		session: s,
		limiter: rate.NewLimiter(c.rps, c.burst),
	}
	c.peers[a.ID] = p
	return p, nil
}

func (c *Client) post(ctx context.Context, p *peer, req interactionRequest) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := c.apiBase + "/interactions"
	_, err := p.session.RequestWithBucketID(http.MethodPost, endpoint, req, endpoint, discordgo.WithContext(ctx))
	return err
}

func (c *Client) lookupCommand(ctx context.Context, a *models.Account, p *peer, name string) (*discordgo.ApplicationCommand, error) {
	key := a.ID + ":" + name
	c.mu.Lock()
	cmd, ok := c.commands[key]
	c.mu.Unlock()
	if ok {
		return cmd, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("type", "1")
	q.Set("query", name)
	q.Set("limit", "5")
	q.Set("include_applications", "false")
	endpoint := fmt.Sprintf("%s/channels/%s/application-commands/search", c.apiBase, a.ChannelID)
	body, err := p.session.RequestWithBucketID(http.MethodGet, endpoint+"?"+q.Encode(), nil, endpoint, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("interact: search command /%s: %w", name, err)
	}
	var resp struct {
		ApplicationCommands []*discordgo.ApplicationCommand `json:"application_commands"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("interact: decode command search: %w", err)
	}
	for _, found := range resp.ApplicationCommands {
		if found.Name == name && found.ApplicationID == c.appID {
			c.mu.Lock()
			c.commands[key] = found
			c.mu.Unlock()
			return found, nil
		}
	}
	return nil, fmt.Errorf("interact: command /%s not found in channel %s", name, a.ChannelID)
}
