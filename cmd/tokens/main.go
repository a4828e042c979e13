// Command tokens issues and revokes cogrelay API tokens.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cogrelay/internal/config"
	"github.com/kiranshivaraju/cogrelay/internal/store"
	"github.com/kiranshivaraju/cogrelay/pkg/models"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenPrefix  = "cr_"
	prefixLen    = 8
	randomLength = 24
)

type tokenStore interface {
	CreateToken(ctx context.Context, t *models.APIToken) error
	RevokeToken(ctx context.Context, id uuid.UUID) error
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := app(os.Stdout, openStore).Run(os.Args); err != nil {
		slog.Error("tokens failed", "error", err)
		os.Exit(1)
	}
}

type opener func(ctx context.Context, databaseURL string) (tokenStore, func(), error)

func openStore(ctx context.Context, databaseURL string) (tokenStore, func(), error) {
	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             databaseURL,
		MaxOpenConns:    2,
		MaxIdleConns:    0,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func app(out io.Writer, open opener) *cli.App {
	dbFlag := &cli.StringFlag{
		Name:     "database-url",
		Usage:    "postgres connection string",
		EnvVars:  []string{"DATABASE_URL"},
		Required: true,
	}

	return &cli.App{
		Name:      "tokens",
		Usage:     "manage cogrelay API tokens",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "issue a new token and print it once",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "name", Usage: "label for the token", Required: true},
					&cli.StringFlag{Name: "replicate-token", Usage: "upstream API token used on the caller's behalf", EnvVars: []string{"REPLICATE_API_TOKEN"}},
					&cli.StringFlag{Name: "worker", Usage: "worker namespace the caller's pools live under"},
					&cli.BoolFlag{Name: "deny", Usage: "issue a token that cannot create predictions"},
				},
				Action: func(c *cli.Context) error {
					s, closeFn, err := open(c.Context, c.String("database-url"))
					if err != nil {
						return err
					}
					defer closeFn()

					raw, tok, err := newToken(c.String("name"), models.Credential{
						Allow:          !c.Bool("deny"),
						ReplicateToken: c.String("replicate-token"),
						Worker:         c.String("worker"),
					})
					if err != nil {
						return err
					}
					if err := s.CreateToken(c.Context, tok); err != nil {
						return err
					}
					fmt.Fprintf(out, "id:    %s\ntoken: %s\n", tok.ID, raw)
					return nil
				},
			},
			{
				Name:      "revoke",
				Usage:     "revoke a token by id",
				ArgsUsage: "<token-id>",
				Flags:     []cli.Flag{dbFlag},
				Action: func(c *cli.Context) error {
					id, err := uuid.Parse(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid token id %q: %w", c.Args().First(), err)
					}
					s, closeFn, err := open(c.Context, c.String("database-url"))
					if err != nil {
						return err
					}
					defer closeFn()

					if err := s.RevokeToken(c.Context, id); err != nil {
						if errors.Is(err, store.ErrNotFound) {
							return fmt.Errorf("token %s not found or already revoked", id)
						}
						return err
					}
					fmt.Fprintf(out, "revoked %s\n", id)
					return nil
				},
			},
		},
	}
}

// newToken returns a raw token and its storable form.
func newToken(name string, cred models.Credential) (string, *models.APIToken, error) {
	buf := make([]byte, randomLength)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := tokenPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash token: %w", err)
	}

	return raw, &models.APIToken{
		ID:          uuid.New(),
		Name:        name,
		TokenHash:   string(hash),
		TokenPrefix: raw[:prefixLen],
		Credential:  cred,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
