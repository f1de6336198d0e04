package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-tickserver/databuffer"
	"github.com/cyberinferno/go-tickserver/frame"
	"github.com/cyberinferno/go-tickserver/transport"
)

const pollInterval = 5 * time.Millisecond

type probeOptions struct {
	addr     string
	authAddr string
	insecure bool
	secret   string
	name     string
	message  string
	timeout  time.Duration
}

func probeCmd() *cobra.Command {
	opts := probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Join a lobby, send one chat message and wait for its echo",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runProbe(ctx, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:7100", "Primary server address")
	flags.StringVar(&opts.authAddr, "auth-addr", "", "TLS auth address of a split server")
	flags.BoolVar(&opts.insecure, "insecure", false, "Skip TLS certificate verification")
	flags.StringVar(&opts.secret, "secret", "", "Lobby secret")
	flags.StringVar(&opts.name, "name", "probe", "Player name")
	flags.StringVar(&opts.message, "message", "hello", "Chat message to send")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Overall timeout")

	return cmd
}

func runProbe(ctx context.Context, opts probeOptions, out io.Writer) error {
	var (
		c   *client
		id  int32
		err error
	)

	if opts.authAddr != "" {
		id, err = authenticateSplit(ctx, opts)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "authenticated on %s as %d\n", opts.authAddr, id)

		c, err = dialClient(ctx, opts.addr, nil)
		if err != nil {
			return err
		}
		defer c.close()

		reconnect := databuffer.New()
		reconnect.PutInt32(id)
		if err := c.send(reconnect); err != nil {
			return err
		}
	} else {
		c, err = dialClient(ctx, opts.addr, nil)
		if err != nil {
			return err
		}
		defer c.close()

		if id, err = c.authenticate(ctx, opts.secret); err != nil {
			return err
		}

		fmt.Fprintf(out, "authenticated on %s as %d\n", opts.addr, id)
	}

	var tickRate, players int32
	if err := c.await(ctx, func(b *databuffer.DataBuffer) (err error) {
		if b.Remaining() < 8 {
			return databuffer.ErrBufferTooShort
		}

		tickRate, _ = b.Int32()
		players, err = b.Int32()
		return err
	}); err != nil {
		return fmt.Errorf("read lobby info: %w", err)
	}

	fmt.Fprintf(out, "lobby runs at %d ticks/s with %d players\n", tickRate, players)

	name := databuffer.New()
	name.PutString(opts.name)
	if err := c.send(name); err != nil {
		return err
	}

	chat := databuffer.New()
	chat.PutByte(opChat)
	chat.PutString(opts.message)
	if err := c.send(chat); err != nil {
		return err
	}

	want := opts.name + ": " + opts.message
	for {
		op, text, err := c.next(ctx)
		if err != nil {
			return fmt.Errorf("wait for echo: %w", err)
		}

		switch op {
		case opJoin:
			fmt.Fprintf(out, "joined: %s\n", text)
		case opLeave:
			fmt.Fprintf(out, "left: %s\n", text)
		case opChat:
			fmt.Fprintf(out, "chat: %s\n", text)
			if text == want {
				return nil
			}
		}
	}
}

// authenticateSplit authenticates over TLS and returns the identity to
// reconnect with.
func authenticateSplit(ctx context.Context, opts probeOptions) (int32, error) {
	c, err := dialClient(ctx, opts.authAddr, &tls.Config{InsecureSkipVerify: opts.insecure})
	if err != nil {
		return 0, err
	}
	defer c.close()

	return c.authenticate(ctx, opts.secret)
}

// client reads everything the server sends as one continuous stream.
type client struct {
	conn     transport.Conn
	deframer *frame.Deframer
	in       *databuffer.DataBuffer
}

func dialClient(ctx context.Context, addr string, tlsConfig *tls.Config) (*client, error) {
	cfg := transport.DefaultDialConfig(addr)
	cfg.TLS = tlsConfig
	conn, err := transport.DialContext(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return &client{conn: conn, deframer: frame.NewDeframer(0), in: databuffer.New()}, nil
}

func (c *client) close() {
	_ = c.conn.Close()
}

func (c *client) send(b *databuffer.DataBuffer) error {
	return c.conn.Write(frame.Encode(b.Bytes()))
}

// authenticate reads the assigned identity, sends the secret if there is
// one and waits for the acknowledgement.
func (c *client) authenticate(ctx context.Context, secret string) (int32, error) {
	var id int32
	if err := c.await(ctx, func(b *databuffer.DataBuffer) (err error) {
		id, err = b.Int32()
		return err
	}); err != nil {
		return 0, fmt.Errorf("read identity: %w", err)
	}

	if secret != "" {
		msg := databuffer.New()
		msg.PutString(secret)
		if err := c.send(msg); err != nil {
			return 0, err
		}
	}

	var ack byte
	if err := c.await(ctx, func(b *databuffer.DataBuffer) (err error) {
		ack, err = b.Byte()
		return err
	}); err != nil {
		return 0, fmt.Errorf("read auth reply: %w", err)
	}

	if ack != authOK {
		return 0, fmt.Errorf("auth rejected with %d", ack)
	}

	return id, nil
}

// next reads one lobby message. Tick messages carry a counter and are
// returned with an empty text.
func (c *client) next(ctx context.Context) (byte, string, error) {
	var op byte
	if err := c.await(ctx, func(b *databuffer.DataBuffer) (err error) {
		op, err = b.Byte()
		return err
	}); err != nil {
		return 0, "", err
	}

	if op == opTick {
		return op, "", c.await(ctx, func(b *databuffer.DataBuffer) error {
			_, err := b.Int64()
			return err
		})
	}

	var text string
	err := c.await(ctx, func(b *databuffer.DataBuffer) (err error) {
		text, err = b.String(maxChatLen)
		return err
	})
	return op, text, err
}

// await runs read until it stops failing with ErrBufferTooShort, receiving
// more data between attempts. read must consume nothing when it fails.
func (c *client) await(ctx context.Context, read func(b *databuffer.DataBuffer) error) error {
	for {
		err := read(c.in)
		if !errors.Is(err, databuffer.ErrBufferTooShort) {
			return err
		}

		if err := c.receive(ctx); err != nil {
			return err
		}
	}
}

// receive blocks until at least one frame payload has been appended to
// the stream.
func (c *client) receive(ctx context.Context) error {
	for {
		p, err := c.conn.Read()
		if len(p) > 0 {
			c.deframer.Feed(p)
			got := false
			c.in.Compact()
			for {
				payload, ok, derr := c.deframer.Next()
				if derr != nil {
					return derr
				}

				if !ok {
					break
				}

				c.in.PutBytes(payload)
				got = true
			}

			if got {
				return nil
			}

			continue
		}

		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
