// Command authctl drives the auth coordinator from a terminal.
//
// Configuration comes from the environment (see config.go). Without
// REDIS_ADDR an embedded Redis is used, so sessions only live for one
// invocation; point it at a real Redis and GoTrue to keep them.
//
//	authctl register 13800000000 secret123 lin
//	authctl login 13800000000 secret123
//	authctl update bio=climber interests=run,swim
//	authctl status
//	authctl logout
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/logging"
	"github.com/SmallHorseBrother/jianwen-community-sub000/store/postgres"
)

const usage = `usage: authctl <command> [args]

commands:
  status                             restore the persisted session and print it
  login <identifier> <secret>        sign in
  register <phone> <secret> <name>  create an account and its profile
  logout                             sign out and purge the auth cache
  update <column=value>...           update profile columns
  cache-stats                        print persisted auth artifact stats
  cache-clear                        purge persisted auth artifacts
  migrate                            apply the profiles schema to DATABASE_URL`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "authctl:", err)
		var je *jianwen.Error
		if errors.As(err, &je) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New("authctl", cfg.LogLevel)

	if args[0] == "migrate" {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = jianwen.WithRequestID(ctx, "authctl-"+strconv.Itoa(os.Getpid()))

	a, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	if a.embedded {
		logger.Warn("REDIS_ADDR not set, using an embedded redis; sessions end with this process")
	}

	coord := a.coord
	coord.HydrateSession(ctx)

	switch cmd, rest := args[0], args[1:]; cmd {
	case "status":
		return printJSON(view(coord.State()))

	case "login":
		if len(rest) != 2 {
			return errors.New("login needs <identifier> <secret>")
		}
		p, err := coord.Login(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		return printJSON(p)

	case "register":
		if len(rest) != 3 {
			return errors.New("register needs <phone> <secret> <name>")
		}
		p, err := coord.Register(ctx, jianwen.RegisterRequest{Identifier: rest[0], Secret: rest[1], DisplayName: rest[2]})
		if err != nil {
			return err
		}
		return printJSON(p)

	case "logout":
		return coord.Logout(ctx)

	case "update":
		u, err := parseUpdate(rest)
		if err != nil {
			return err
		}
		p, err := coord.UpdateProfile(ctx, u)
		if err != nil {
			return err
		}
		return printJSON(p)

	case "cache-stats":
		return printJSON(map[string]any{
			"stats":      coord.CacheStats(ctx),
			"validation": coord.ValidateCache(ctx),
		})

	case "cache-clear":
		fmt.Printf("removed %d keys\n", coord.ClearCache(ctx))
		return nil

	default:
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type stateView struct {
	Status          string           `json:"status"`
	IsAuthenticated bool             `json:"is_authenticated"`
	User            *jianwen.Profile `json:"user,omitempty"`
}

func view(st jianwen.AuthState) stateView {
	return stateView{Status: st.Status.String(), IsAuthenticated: st.IsAuthenticated, User: st.User}
}

func parseUpdate(pairs []string) (jianwen.ProfileUpdate, error) {
	var u jianwen.ProfileUpdate
	if len(pairs) == 0 {
		return u, errors.New("update needs at least one column=value")
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return u, fmt.Errorf("malformed %q, want column=value", pair)
		}
		switch key {
		case jianwen.ColumnNickname:
			u.Nickname = &value
		case jianwen.ColumnBio:
			u.Bio = &value
		case jianwen.ColumnAvatarURL:
			u.AvatarURL = &value
		case jianwen.ColumnAge:
			n, err := strconv.Atoi(value)
			if err != nil {
				return u, fmt.Errorf("age: %w", err)
			}
			u.Age = &n
		case jianwen.ColumnHeightCM, jianwen.ColumnWeightKG:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return u, fmt.Errorf("%s: %w", key, err)
			}
			if key == jianwen.ColumnHeightCM {
				u.HeightCM = &f
			} else {
				u.WeightKG = &f
			}
		case jianwen.ColumnIsPublic:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return u, fmt.Errorf("is_public: %w", err)
			}
			u.IsPublic = &b
		case jianwen.ColumnInterests:
			list := []string{}
			if value != "" {
				list = strings.Split(value, ",")
			}
			u.Interests = &list
		default:
			return u, fmt.Errorf("unknown column %q", key)
		}
	}
	return u, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
