package routectl

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/mcpserver"
)

const (
	tokenBytes    = 32
	minPrefixLen  = 6
	hashPrefixLen = 12
	timeLayout    = "2006-01-02 15:04 MST"
)

func newToken(r io.Reader) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func checkPermissions(perms []string) ([]string, error) {
	valid := append(mcpserver.ToolNames(), configstore.AllPermissions)
	result := make([]string, 0, len(perms))

	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" || slices.Contains(result, p) {
			continue
		} else if !slices.Contains(valid, p) {
			return nil, fmt.Errorf(
				"unknown permission %q; valid: %s", p, strings.Join(valid, ", "),
			)
		}
		result = append(result, p)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	return result, nil
}

func runKeysCreate(ctx context.Context, c *command) error {
	opts := c.cli.Keys.Create
	perms, err := checkPermissions(opts.Permissions)
	if err != nil {
		return err
	}
	token, err := newToken(c.deps.Rand)
	if err != nil {
		return err
	}

	now := c.deps.Now().UTC()
	rec := &configstore.APIKeyRecord{
		KeyHash:     configstore.HashAPIKey(token),
		KeyName:     opts.Name,
		CreatedAt:   now,
		IsActive:    true,
		Permissions: perms,
	}
	if opts.ExpiresIn < 0 {
		return fmt.Errorf("--expires-in must not be negative: %s", opts.ExpiresIn)
	} else if opts.ExpiresIn > 0 {
		expires := now.Add(opts.ExpiresIn)
		rec.ExpiresAt = &expires
	}

	if err := c.store.PutAPIKey(ctx, rec); err != nil {
		return err
	}

	out := c.deps.Out
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Fprintf(out, "Created API key %q\n", rec.KeyName)
	fmt.Fprintf(out, "  hash:        %s\n", rec.KeyHash[:hashPrefixLen])
	fmt.Fprintf(out, "  permissions: %s\n", strings.Join(perms, ","))
	if rec.ExpiresAt != nil {
		fmt.Fprintf(out, "  expires:     %s\n", rec.ExpiresAt.Format(timeLayout))
	}
	yellow.Fprintln(out, "Token (shown only once, store it securely):")
	fmt.Fprintln(out, token)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func runKeysList(ctx context.Context, c *command) error {
	keys, err := c.store.ListAPIKeys(ctx)
	if err != nil {
		return err
	} else if len(keys) == 0 {
		fmt.Fprintln(c.deps.Out, "No API keys.")
		return nil
	}

	now := c.deps.Now()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	w := tabwriter.NewWriter(c.deps.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tHASH\tSTATUS\tPERMISSIONS\tCREATED\tEXPIRES\tLAST USED")

	for _, k := range keys {
		status := green("active")
		if !k.IsActive {
			status = red("revoked")
		} else if !k.Usable(now) {
			status = red("expired")
		}
		created := k.CreatedAt
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			k.KeyName,
			k.KeyHash[:min(hashPrefixLen, len(k.KeyHash))],
			status,
			strings.Join(k.Permissions, ","),
			formatTime(&created),
			formatTime(k.ExpiresAt),
			formatTime(k.LastUsedAt),
		)
	}
	return w.Flush()
}

func runKeysRevoke(ctx context.Context, c *command) error {
	prefix := strings.ToLower(strings.TrimSpace(c.cli.Keys.Revoke.HashPrefix))
	if len(prefix) < minPrefixLen {
		return fmt.Errorf(
			"hash prefix must be at least %d characters: %q", minPrefixLen, prefix,
		)
	}

	keys, err := c.store.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	var matches []configstore.APIKeyRecord
	for _, k := range keys {
		if strings.HasPrefix(k.KeyHash, prefix) {
			matches = append(matches, k)
		}
	}

	switch len(matches) {
	case 0:
		return fmt.Errorf("no API key hash starts with %q", prefix)
	case 1:
	default:
		return fmt.Errorf(
			"%d API keys match %q; use a longer prefix", len(matches), prefix,
		)
	}

	k := matches[0]
	if err := c.store.DeactivateAPIKey(ctx, k.KeyHash); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(
		c.deps.Out, "Revoked API key %q (%s)\n", k.KeyName, k.KeyHash[:hashPrefixLen],
	)
	return nil
}
