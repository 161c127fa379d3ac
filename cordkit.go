// Package cordkit connects a bot to the chat platform: commands go through
// the rate-limited REST client and events arrive from a sharded gateway
// that resumes or re-identifies by itself.
package cordkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/yonatandev1/cordkit/gateway"
	"github.com/yonatandev1/cordkit/rest"
)

type Client struct {
	rest    *rest.Client
	gateway *gateway.Manager
	log     *zap.Logger
}

// New builds the REST client and the gateway manager. Nothing connects
// until Connect.
func New(token string, opts ...ConfigOpt) (*Client, error) {
	config := DefaultConfig()
	config.Apply(opts)
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	restClient, err := rest.NewClient(token, append([]rest.ClientConfigOpt{rest.WithLogger(config.Logger)}, config.RESTOpts...)...)
	if err != nil {
		return nil, err
	}

	manager, err := gateway.NewManager(token, append([]gateway.ConfigOpt{gateway.WithLogger(config.Logger)}, config.GatewayOpts...)...)
	if err != nil {
		restClient.Close()
		return nil, err
	}

	return &Client{
		rest:    restClient,
		gateway: manager,
		log:     config.Logger,
	}, nil
}

// Connect opens shardCount gateway sessions and returns once shard 0 is
// ready. With shardCount 0 the shard count, gateway URL and identify
// concurrency come from GET /gateway/bot.
func (c *Client) Connect(ctx context.Context, shardCount int) error {
	if shardCount == 0 {
		gb, err := c.rest.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("cordkit: discover gateway: %w", err)
		}
		if err := c.gateway.UseGateway(gb.URL, gb.SessionStartLimit.MaxConcurrency); err != nil {
			return err
		}
		shardCount = max(gb.Shards, 1)
		c.log.Info("using recommended shard count",
			zap.Int("shards", shardCount),
			zap.Int("session_starts_remaining", gb.SessionStartLimit.Remaining),
		)
	}
	return c.gateway.Open(ctx, shardCount)
}

// Shutdown closes every gateway session, then resolves all queued REST
// commands with rest.ErrCanceled. The event channel is closed when it
// returns.
func (c *Client) Shutdown() {
	_ = c.gateway.Close()
	c.rest.Close()
}

// SubmitCommand queues a REST command and returns at once.
func (c *Client) SubmitCommand(ctx context.Context, method, path string, body any, opts ...rest.CommandOpt) *rest.Future {
	return c.rest.Submit(ctx, method, path, body, opts...)
}

// Do submits a REST command, waits for it and decodes the response into
// out.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...rest.CommandOpt) error {
	return c.rest.Do(ctx, method, path, body, out, opts...)
}

func (c *Client) GatewayBot(ctx context.Context) (*rest.GatewayBot, error) {
	return c.rest.GatewayBot(ctx)
}

func (c *Client) Events() <-chan gateway.Event {
	return c.gateway.Events()
}

func (c *Client) SendGatewayCommand(shard int, op gateway.Opcode, payload any) error {
	return c.gateway.Send(shard, op, payload)
}

// UpdateVoiceState joins channelID in guildID, or leaves voice when
// channelID is nil.
func (c *Client) UpdateVoiceState(guildID string, channelID *string, mute, deaf bool) error {
	shard, err := c.ShardFor(guildID)
	if err != nil {
		return err
	}
	return c.gateway.Send(shard, gateway.OpVoiceStateUpdate, gateway.VoiceStateUpdate{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	})
}

// UpdatePresence sets the presence on every shard.
func (c *Client) UpdatePresence(presence gateway.PresenceUpdate) error {
	count := c.gateway.ShardCount()
	if count == 0 {
		return gateway.ErrNotConnected
	}
	if presence.Activities == nil {
		presence.Activities = []gateway.Activity{}
	}

	var errs []error
	for shard := 0; shard < count; shard++ {
		if err := c.gateway.Send(shard, gateway.OpPresenceUpdate, presence); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", shard, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) RequestGuildMembers(req gateway.RequestGuildMembers) error {
	shard, err := c.ShardFor(req.GuildID)
	if err != nil {
		return err
	}
	return c.gateway.Send(shard, gateway.OpRequestGuildMembers, req)
}

// ShardFor returns the shard that receives events for guildID.
func (c *Client) ShardFor(guildID string) (int, error) {
	count := c.gateway.ShardCount()
	if count == 0 {
		return 0, gateway.ErrNotConnected
	}
	return shardFor(guildID, count)
}

func shardFor(guildID string, shardCount int) (int, error) {
	id, err := snowflake.ParseString(guildID)
	if err != nil {
		return 0, fmt.Errorf("cordkit: guild id %q: %w", guildID, err)
	}
	return int((uint64(id.Int64()) >> 22) % uint64(shardCount)), nil
}

// SetToken swaps the token for later REST requests and gateway
// identifies.
func (c *Client) SetToken(token string) {
	c.rest.SetToken(token)
	c.gateway.SetToken(token)
}

func (c *Client) REST() *rest.Client {
	return c.rest
}

func (c *Client) Gateway() *gateway.Manager {
	return c.gateway
}
