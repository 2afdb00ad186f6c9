package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/broadcast"
	"github.com/zulandar/courier/internal/config"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

func newCampaignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Broadcast campaign commands",
	}

	cmd.AddCommand(newCampaignCreateCmd())
	cmd.AddCommand(newCampaignListCmd())
	cmd.AddCommand(newCampaignCancelCmd())
	cmd.AddCommand(newCampaignResumeCmd())
	cmd.AddCommand(newCampaignStatsCmd())
	return cmd
}

func connectFromConfig(configPath string) (*gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
	}
	return gormDB, nil
}

func campaignID(args []string) (uint, error) {
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad campaign id %q", args[0])
	}
	return uint(id), nil
}

func newCampaignCreateCmd() *cobra.Command {
	var (
		configPath string
		title      string
		body       string
		photoURL   string
		selector   string
		arg        string
		at         string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and schedule a campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			scheduledAt := time.Now()
			if at != "" {
				scheduledAt, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("bad --at value %q, want RFC3339: %w", at, err)
				}
			}
			if title == "" || body == "" {
				return fmt.Errorf("--title and --body are required")
			}

			campaign := models.BroadcastCampaign{
				Title:       title,
				Body:        body,
				PhotoURL:    photoURL,
				Selector:    selector,
				SelectorArg: arg,
				Status:      models.CampaignScheduled,
				ScheduledAt: scheduledAt,
			}
			if err := gormDB.Create(&campaign).Error; err != nil {
				return fmt.Errorf("create campaign: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Campaign %d scheduled for %s\n",
				campaign.ID, scheduledAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	cmd.Flags().StringVar(&title, "title", "", "campaign title")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringVar(&photoURL, "photo", "", "optional photo URL")
	cmd.Flags().StringVar(&selector, "selector", models.SelectorEveryone, "audience: everyone, subject, list, group")
	cmd.Flags().StringVar(&arg, "arg", "", "selector argument (subject id, JSON list, or group name)")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 send time (default: now)")
	return cmd
}

func newCampaignListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			var campaigns []models.BroadcastCampaign
			if err := gormDB.Order("id DESC").Limit(50).Find(&campaigns).Error; err != nil {
				return fmt.Errorf("list campaigns: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSELECTOR\tSCHEDULED\tTITLE")
			for _, c := range campaigns {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					c.ID, c.Status, c.Selector, c.ScheduledAt.Format("2006-01-02 15:04"), c.Title)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func newCampaignCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a scheduled or sending campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignID(args)
			if err != nil {
				return err
			}
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := broadcast.Cancel(gormDB, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Campaign %d cancelled. A draining sender stops at its next batch boundary.\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func newCampaignResumeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume an interrupted, cancelled, failed, or completed campaign",
		Long: `Returns failed deliveries to pending with a fresh retry budget and
re-schedules the campaign. Recipients already sent or blocked are never
re-targeted. Works on campaigns stuck in sending after a crash, and on
completed ones to reach recipients who became eligible since the first
run. The serving process picks the campaign up on its next poll.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignID(args)
			if err != nil {
				return err
			}
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := broadcast.Requeue(gormDB, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Campaign %d re-scheduled.\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}

func newCampaignStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show a campaign's delivery ledger counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := campaignID(args)
			if err != nil {
				return err
			}
			gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}

			var campaign models.BroadcastCampaign
			if err := gormDB.First(&campaign, id).Error; err != nil {
				return fmt.Errorf("load campaign %d: %w", id, err)
			}
			stats, err := broadcast.Stats(gormDB, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Campaign %d: %s (%s)\n", campaign.ID, campaign.Title, campaign.Status)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "total\t%d\n", stats.Total)
			fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
			fmt.Fprintf(w, "sent\t%d\n", stats.Sent)
			fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
			fmt.Fprintf(w, "blocked\t%d\n", stats.Blocked)
			fmt.Fprintf(w, "retryable\t%d\n", stats.Retryable)
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to Courier config file")
	return cmd
}
