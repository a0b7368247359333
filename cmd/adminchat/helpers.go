package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/Prismer-AI/adminchat"
	"go.uber.org/zap"
)

// openSession builds a session from the effective config. Notices are
// printed to stderr.
func openSession(opts ...adminchat.Option) (*adminchat.Session, *zap.Logger, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := adminchat.NewLogger(flagLogLevel, flagVerbose)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]adminchat.Option{adminchat.WithLogger(logger)}, opts...)
	sess, err := adminchat.NewSession(cfg, opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	for _, ev := range []string{adminchat.EventNoticeError, adminchat.EventNoticeWarning, adminchat.EventNoticeSuccess} {
		sess.On(ev, printNotice)
	}
	return sess, logger, nil
}

func printNotice(event string, payload any) {
	prefix := "ok"
	switch event {
	case adminchat.EventNoticeError:
		prefix = "error"
	case adminchat.EventNoticeWarning:
		prefix = "warning"
	}
	fmt.Fprintf(os.Stderr, "[%s] %v\n", prefix, payload)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskSecret hides the password of a connection URL.
func maskSecret(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
