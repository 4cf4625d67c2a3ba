package main

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/messaging"
	"github.com/togedog/chat-app/internal/moderation"
	"github.com/togedog/chat-app/internal/report"
)

var moderatorCommand = &cobra.Command{
	Use:   "moderator",
	Short: "Follow report notices from every gateway and log them for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.Component("moderator")
		if !cfg.NATS.Enabled {
			return errors.New("moderator needs nats.enabled")
		}

		filter, err := buildFilter(cfg.Moderation)
		if err != nil {
			return err
		}
		log.Debug().Int("banned_words", len(filter.Words())).Msg("moderation filter loaded")

		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = "togedog-moderator"
		bus, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			return err
		}
		defer bus.Close()

		if err := bus.SubscribeReports(func(r report.Report) {
			logReport(log, filter, r)
		}); err != nil {
			return err
		}
		log.Info().Str("nats_url", natsCfg.URL).Msg("moderator running")

		<-cmd.Context().Done()
		log.Info().Msg("moderator stopped")
		return nil
	},
}

func init() {
	rootCommand.AddCommand(moderatorCommand)
}

// priority ranks a report: chat reports quoting a banned word come first.
// Stored chat text is already censored, so a mask run counts as a match.
func priority(f *moderation.Filter, r report.Report) string {
	if r.Kind == report.KindChat && (f.Contains(r.MessageText) || f.Masked(r.MessageText)) {
		return "high"
	}
	return "normal"
}

func logReport(log zerolog.Logger, f *moderation.Filter, r report.Report) {
	ev := log.Info().
		Int64("report_id", r.ID).
		Str("kind", string(r.Kind)).
		Int64("reporter_user_id", r.ReporterUserID).
		Int64("reported_user_id", r.ReportedUserID).
		Str("priority", priority(f, r))
	switch r.Kind {
	case report.KindChat:
		ev = ev.Str("message_id", r.MessageID)
	default:
		ev = ev.Int64("target_id", r.TargetID)
	}
	ev.Msg("report received")
}
