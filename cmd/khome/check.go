package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/khome/internal/clock"
	"github.com/goodtune/khome/internal/config"
	"github.com/goodtune/khome/internal/discovery"
	"github.com/goodtune/khome/internal/enforce"
	"github.com/goodtune/khome/internal/hub"
	"github.com/goodtune/khome/internal/links"
	"github.com/goodtune/khome/internal/policy"
	"github.com/goodtune/khome/internal/policy/opa"
	"github.com/goodtune/khome/internal/storage"
	"github.com/goodtune/khome/internal/storage/redis"
	"github.com/goodtune/khome/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkDay    string
	checkTime   string
	checkStored bool
	checkName   string
	checkState  string
	checkAttrs  []string
	checkDate   string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check attribution and classification decisions",
	Long:  `Check which user khome would attribute a device to, or how it would classify and enforce an entity.`,
}

var checkLinkCmd = &cobra.Command{
	Use:   "link [flags] ENTITY_ID",
	Short: "Check which user a device is attributed to",
	Long:  `Resolve the device link for an entity at a given day and time.`,
	Example: `  khome -c config.yaml check link media_player.living_room_tv
  khome check link --day saturday --time 18:30 media_player.living_room_tv`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckLink,
}

var checkClassifyCmd = &cobra.Command{
	Use:   "classify [flags] [ENTITY_ID]",
	Short: "Check device classification and default enforcement action",
	Long: `Classify an entity from its id and attributes, and show the action the policy picks for it.
Without an entity id, every entity on the configured hub is classified.`,
	Example: `  khome check classify media_player.xbox --name "Xbox Series X"
  khome check classify switch.tv_plug --attr current_power_w=85
  khome -c config.yaml check classify`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckClassify,
}

var checkUsageCmd = &cobra.Command{
	Use:   "usage [flags] [USER_ID]",
	Short: "Check stored daily usage totals",
	Long:  `Show the daily usage totals stored in Redis, for every user or for one.`,
	Example: `  khome -c config.yaml check usage
  khome check usage --date 2024-01-15 alice`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheckUsage,
}

func init() {
	checkLinkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkLinkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	checkLinkCmd.Flags().BoolVar(&checkStored, "stored", false, "Use the links stored in Redis instead of the config file")

	checkClassifyCmd.Flags().StringVar(&checkName, "name", "", "Friendly name of the entity")
	checkClassifyCmd.Flags().StringVar(&checkState, "state", "on", "Current entity state")
	checkClassifyCmd.Flags().StringArrayVar(&checkAttrs, "attr", nil, "Entity attribute as key=value (repeatable)")

	checkUsageCmd.Flags().StringVar(&checkDate, "date", "", "Date (YYYY-MM-DD) - defaults to today")

	checkCmd.AddCommand(checkLinkCmd)
	checkCmd.AddCommand(checkUsageCmd)
	checkCmd.AddCommand(checkClassifyCmd)
	rootCmd.AddCommand(checkCmd)
}

// quietLogger keeps check output readable
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

func runCheckLink(cmd *cobra.Command, args []string) error {
	entityID := args[0]

	at, err := parseCheckTime(time.Now(), checkDay, checkTime)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	table := cfg.Links
	if checkStored {
		store, err := redis.Open(cfg.Storage.Redis)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if table, err = store.Links().LoadLinks(ctx); err != nil {
			return fmt.Errorf("failed to load device links: %w", err)
		}
	}

	registry := links.NewRegistry(clock.RealClock{}, quietLogger())
	if err := registry.Load(table); err != nil {
		color.New(color.FgYellow).Fprintf(os.Stderr, "⚠️  Some links were rejected: %v\n", err)
	}

	link, linked := registry.Get(entityID)
	userID, attributed := registry.Resolve(entityID, at)

	printLinkResult(entityID, at, link, linked, userID, attributed)
	return nil
}

func printLinkResult(entityID string, at time.Time, link links.Link, linked bool, userID string, attributed bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	_, _ = cyan.Println("Link Resolution")
	fmt.Printf("  Device: %s\n", entityID)
	fmt.Printf("  When:   %s\n", at.Format("Monday 15:04"))

	if !linked {
		_, _ = yellow.Println("  Result: not linked (usage is not tracked)")
		return
	}

	fmt.Printf("  Type:   %s\n", link.Type)
	if len(link.UsageRules) > 0 {
		fmt.Printf("  Rules:  %d\n", len(link.UsageRules))
	}
	if link.PowerControl != nil {
		fmt.Printf("  Plug:   %s\n", link.PowerControl.EntityID)
	}

	if attributed {
		_, _ = green.Printf("  Result: attributed to %s\n", userID)
	} else {
		_, _ = yellow.Println("  Result: not attributed to any user")
	}
}

func runCheckClassify(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return runClassifyHub()
	}
	entityID := args[0]

	attrs, err := parseAttrs(checkAttrs)
	if err != nil {
		return err
	}
	if checkName != "" {
		attrs["friendly_name"] = checkName
	}

	classifier, err := discovery.NewClassifier(1)
	if err != nil {
		return err
	}

	device, ok := classifier.Classify(hub.EntityState{EntityID: entityID, State: checkState, Attributes: attrs})
	if !ok {
		color.New(color.FgYellow, color.Bold).Printf("%s is not a controllable entertainment device\n", entityID)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	opaConfig := opa.Config{}
	if cfg.Policy.OPAPolicyDir != "" {
		opaConfig = opa.Config{Source: opa.SourceFilesystem, PolicyDir: cfg.Policy.OPAPolicyDir}
	}
	engine, err := policy.NewEngine(opaConfig, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	facts := enforce.Facts{
		EntityID:     entityID,
		Domain:       hub.Domain(entityID),
		Capabilities: device.Capabilities,
	}
	for _, l := range cfg.Links {
		if l.EntityID != entityID {
			continue
		}
		facts.UserID = l.UserID
		facts.LinkType = string(l.Type)
		if l.PowerControl != nil {
			facts.HasPowerControl = true
			facts.EnforceQuota = l.PowerControl.EnforceQuota
			facts.PowerGrace = l.PowerControl.GracePeriod
		}
	}

	decision, err := engine.Decide(context.Background(), facts)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	printClassifyResult(device, decision)
	return nil
}

// runClassifyHub lists the devices a discovery scan of the live hub finds
func runClassifyHub() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Hub.URL == "" || cfg.Hub.Token == "" {
		return fmt.Errorf("hub url and token must be configured to classify live entities")
	}

	logger := quietLogger()
	classifier, err := discovery.NewClassifier(discovery.DefaultCacheSize)
	if err != nil {
		return err
	}
	service := discovery.NewService(hub.NewManager(hubConfig(cfg.Hub), logger), classifier, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Hub.RESTTimeout)
	defer cancel()

	devices, err := service.Scan(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Printf("Discovered %d device(s)\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %-40s %-15s %-12s %s\n", d.EntityID, d.Type, d.Platform, strings.Join(d.Capabilities, ","))
	}
	return nil
}

func runCheckUsage(cmd *cobra.Command, args []string) error {
	date := checkDate
	if date == "" {
		date = time.Now().Format(storage.DateFormat)
	}
	if _, err := time.Parse(storage.DateFormat, date); err != nil {
		return fmt.Errorf("invalid date %q (want YYYY-MM-DD)", date)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := redis.Open(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var totals []storage.DailyUsage
	if len(args) == 1 {
		totals, err = userDailyUsage(ctx, store.Usage(), date, args[0])
	} else {
		totals, err = store.Usage().ListDailyUsage(ctx, date)
	}
	if err != nil {
		return fmt.Errorf("failed to read daily usage: %w", err)
	}

	printUsageResult(date, totals)
	return nil
}

// userDailyUsage collects one user's totals across every quota bucket
func userDailyUsage(ctx context.Context, store storage.UsageStore, date, userID string) ([]storage.DailyUsage, error) {
	var totals []storage.DailyUsage
	for _, quota := range []usage.QuotaType{usage.QuotaGaming, usage.QuotaVideo, usage.QuotaMusic, usage.QuotaScreen} {
		daily, err := store.GetDailyUsage(ctx, date, userID, quota)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		totals = append(totals, *daily)
	}
	return totals, nil
}

func printUsageResult(date string, totals []storage.DailyUsage) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	_, _ = cyan.Printf("Daily Usage %s\n", date)
	if len(totals) == 0 {
		_, _ = yellow.Println("  No usage recorded")
		return
	}
	for _, d := range totals {
		fmt.Printf("  %-20s %-10s %s\n", d.UserID, d.QuotaType, d.Total().Round(time.Second))
	}
}

func printClassifyResult(device *discovery.Device, decision enforce.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Println("Device Classification")
	fmt.Printf("  Entity:       %s\n", device.EntityID)
	fmt.Printf("  Name:         %s\n", device.Name)
	fmt.Printf("  Type:         %s\n", device.Type)
	if device.Platform != "" {
		fmt.Printf("  Platform:     %s\n", device.Platform)
	}
	fmt.Printf("  Capabilities: %s\n", strings.Join(device.Capabilities, ", "))

	_, _ = cyan.Println("\nDefault Enforcement")
	action := green
	if decision.Action == enforce.ActionCutPower || decision.Action == enforce.ActionTurnOff {
		action = red
	}
	_, _ = action.Printf("  Action:       %s\n", decision.Action)
	if decision.GracePeriod != nil {
		fmt.Printf("  Grace period: %ds\n", *decision.GracePeriod)
	}
}

// parseAttrs turns key=value flags into entity attributes. Numeric values
// are kept as numbers so energy readings classify like live ones.
func parseAttrs(pairs []string) (map[string]any, error) {
	attrs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q (want key=value)", pair)
		}
		var f float64
		if _, err := fmt.Sscanf(value, "%g", &f); err == nil && fmt.Sprint(f) == value {
			attrs[key] = f
		} else {
			attrs[key] = value
		}
	}
	return attrs, nil
}

// parseCheckTime parses day and time flags into a time relative to now
func parseCheckTime(now time.Time, dayStr, timeStr string) (time.Time, error) {
	hour, minute := now.Hour(), now.Minute()

	if timeStr != "" {
		t, err := time.Parse("15:04", timeStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time %q (want HH:MM)", timeStr)
		}
		hour, minute = t.Hour(), t.Minute()
	}

	targetDay := now.Weekday()
	if dayStr != "" {
		day, ok := weekdays[strings.ToLower(dayStr)]
		if !ok {
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
		targetDay = day
	}

	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	target := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(target.Year(), target.Month(), target.Day(), hour, minute, 0, 0, now.Location()), nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}
