// Command accountsctl administers the account store from the command line.
//
//	accountsctl list-users [-role admin|user] [-stats]
//	accountsctl change-role <username> <admin|user>
//	accountsctl seed -f users.yaml
//	accountsctl prune-sessions
//
// It reads the same ACCOUNTS_* environment as accounts-server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wispberry-tech/wispy-accounts/accounts"
	"github.com/wispberry-tech/wispy-accounts/accounts/storage"
	"github.com/wispberry-tech/wispy-accounts/config"
)

var errUsage = errors.New("usage: accountsctl <list-users|change-role|seed|prune-sessions> [flags]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.NewLogger())

	store, err := storage.Open(ctx, cfg.DBDriver, cfg.DBDSN, cfg.ConnectOptions())
	if err != nil {
		return err
	}

	service, err := accounts.NewAccountService(accounts.Config{
		Storage:        store,
		SecurityConfig: cfg.SecurityConfig(),
	})
	if err != nil {
		store.Close()
		return err
	}
	defer service.Close()

	return dispatch(ctx, service, args, out)
}

func dispatch(ctx context.Context, service *accounts.AccountService, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "list-users":
		return listUsers(ctx, service, rest, out)
	case "change-role":
		return changeRole(ctx, service, rest, out)
	case "seed":
		return seed(ctx, service, rest, out)
	case "prune-sessions":
		n, err := service.PruneExpiredSessions(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %d expired session(s)\n", n)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func listUsers(ctx context.Context, service *accounts.AccountService, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list-users", flag.ContinueOnError)
	fs.SetOutput(out)
	roleFlag := fs.String("role", "", "only list users with this role (admin|user)")
	stats := fs.Bool("stats", false, "print counters instead of the user list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *stats {
		s, err := service.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Total users:     %d\n", s.TotalUsers)
		fmt.Fprintf(out, "Active users:    %d\n", s.ActiveUsers)
		fmt.Fprintf(out, "Active sessions: %d\n", s.ActiveSessions)
		for _, role := range accounts.Roles() {
			fmt.Fprintf(out, "%-16s %d\n", role.DisplayName()+":", s.RoleCounts[role])
		}
		return nil
	}

	filter := accounts.UserFilter{OrderBy: accounts.OrderByUsername}
	if *roleFlag != "" {
		role, err := accounts.ParseRole(*roleFlag)
		if err != nil {
			return err
		}
		filter.Role = &role
	}

	// The command line acts with administrator rights.
	users, err := service.ListUsers(ctx, systemActor, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tEMAIL\tROLE\tACTIVE\tJOINED")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", u.Username, u.Email, u.Role, u.IsActive, u.DateJoined.Format(time.DateOnly))
	}
	return tw.Flush()
}

// systemActor authorizes command line operations that go through admin checks.
var systemActor = &accounts.User{ID: "system", Username: "system", Role: accounts.RoleAdmin}

func changeRole(ctx context.Context, service *accounts.AccountService, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: change-role <username> <admin|user>", errUsage)
	}
	role, err := accounts.ParseRole(args[1])
	if err != nil {
		return err
	}

	change, err := service.SetRole(ctx, args[0], role)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Changed the role of %s from %s to %s\n", change.Username, change.OldRole.DisplayName(), change.NewRole.DisplayName())
	return nil
}

// seedFile is the YAML layout read by the seed command.
type seedFile struct {
	Users []seedUser `yaml:"users"`
}

type seedUser struct {
	Username  string `yaml:"username"`
	Email     string `yaml:"email"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Password  string `yaml:"password"`
	Role      string `yaml:"role"`
}

func seed(ctx context.Context, service *accounts.AccountService, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(out)
	file := fs.String("f", "", "YAML file with a users list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("%w: seed -f users.yaml", errUsage)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	created, skipped := 0, 0
	var failures []string
	for _, su := range sf.Users {
		role := accounts.RoleUser
		if su.Role != "" {
			if role, err = accounts.ParseRole(su.Role); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", su.Username, err))
				continue
			}
		}

		_, err := service.CreateUser(ctx, accounts.RegisterInput{
			Username:  su.Username,
			Email:     su.Email,
			FirstName: su.FirstName,
			LastName:  su.LastName,
			Password:  su.Password,
			Role:      role,
		})
		var verr *accounts.ValidationError
		switch {
		case err == nil:
			created++
		case errors.As(err, &verr) && isDuplicate(verr):
			skipped++
		default:
			failures = append(failures, fmt.Sprintf("%s: %v", su.Username, err))
		}
	}

	fmt.Fprintf(out, "Created %d user(s), skipped %d existing\n", created, skipped)
	if len(failures) > 0 {
		return fmt.Errorf("%d user(s) failed:\n  %s", len(failures), strings.Join(failures, "\n  "))
	}
	return nil
}

// isDuplicate reports whether every complaint is about an existing username
// or email.
func isDuplicate(verr *accounts.ValidationError) bool {
	if len(verr.Fields) == 0 {
		return false
	}
	for _, msgs := range verr.Fields {
		for _, msg := range msgs {
			if !strings.Contains(msg, "already") {
				return false
			}
		}
	}
	return true
}
