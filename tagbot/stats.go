package tagbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	statsSheetCommands     = "cmds"
	statsSheetTags         = "tags"
	statsSheetInteractions = "ints"
	statsSheetEvents       = "evts"

	statsDateColumn = "date"

	// matches the row dates already in the spreadsheet, ex: 'Mon Jan 02 2006'
	statsDateLayout = "Mon Jan 02 2006"

	statsExportTimeout = 2 * time.Minute
)

// UsageStats counts commands, interactions, tags and gateway events
// between exports. It's safe for concurrent use.
type UsageStats struct {
	mu   sync.Mutex
	cmds map[string]int
	ints map[string]int
	tags map[string]int
	evts map[string]int
}

func NewUsageStats() *UsageStats {
	s := &UsageStats{}
	s.reset()
	return s
}

func (s *UsageStats) reset() {
	s.cmds = map[string]int{}
	s.ints = map[string]int{}
	s.tags = map[string]int{}
	s.evts = map[string]int{}
}

// IncCommand counts a prefix command, whether or not it matched a tag
func (s *UsageStats) IncCommand(name string) {
	s.inc(&s.cmds, name)
}

func (s *UsageStats) IncInteraction(name string) {
	s.inc(&s.ints, name)
}

// IncTag counts a tag being sent
func (s *UsageStats) IncTag(name string) {
	s.inc(&s.tags, name)
}

func (s *UsageStats) IncEvent(name string) {
	s.inc(&s.evts, name)
}

func (s *UsageStats) inc(counter *map[string]int, name string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	(*counter)[name]++
}

// Snapshot returns a copy of the current counts
func (s *UsageStats) Snapshot(date string) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Date: date,
		Cmds: maps.Clone(s.cmds),
		Ints: maps.Clone(s.ints),
		Tags: maps.Clone(s.tags),
		Evts: maps.Clone(s.evts),
	}
}

// Take returns the current counts and resets them
func (s *UsageStats) Take(date string) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{Date: date, Cmds: s.cmds, Ints: s.ints, Tags: s.tags, Evts: s.evts}
	s.reset()
	return snap
}

// Merge adds the snapshot's counts to the current counts
func (s *UsageStats) Merge(snap StatsSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeCounts(s.cmds, snap.Cmds)
	mergeCounts(s.ints, snap.Ints)
	mergeCounts(s.tags, snap.Tags)
	mergeCounts(s.evts, snap.Evts)
}

func mergeCounts(dst, src map[string]int) {
	for k, v := range src {
		dst[k] += v
	}
}

// StatsSnapshot is the on-disk form of [UsageStats], used to carry
// counts over a restart
type StatsSnapshot struct {
	Date string         `json:"date"`
	Cmds map[string]int `json:"cmds"`
	Ints map[string]int `json:"ints"`
	Tags map[string]int `json:"tags"`
	Evts map[string]int `json:"evts"`
}

func EmptyStatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Cmds: map[string]int{},
		Ints: map[string]int{},
		Tags: map[string]int{},
		Evts: map[string]int{},
	}
}

func (s *StatsSnapshot) fill() {
	if s.Cmds == nil {
		s.Cmds = map[string]int{}
	}
	if s.Ints == nil {
		s.Ints = map[string]int{}
	}
	if s.Tags == nil {
		s.Tags = map[string]int{}
	}
	if s.Evts == nil {
		s.Evts = map[string]int{}
	}
}

type statsSheet struct {
	name   string
	counts map[string]int
}

// sheets pairs each counter set with the sheet it's exported to
func (s StatsSnapshot) sheets() []statsSheet {
	return []statsSheet{
		{statsSheetCommands, s.Cmds},
		{statsSheetTags, s.Tags},
		{statsSheetInteractions, s.Ints},
		{statsSheetEvents, s.Evts},
	}
}

// LoadStatsSnapshot reads a snapshot file. A missing file is an empty
// snapshot.
func LoadStatsSnapshot(path string) (StatsSnapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return EmptyStatsSnapshot(), nil
	}
	if err != nil {
		return EmptyStatsSnapshot(), err
	}
	var snap StatsSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return EmptyStatsSnapshot(), fmt.Errorf("error reading stats snapshot %s: %w", path, err)
	}
	snap.fill()
	return snap, nil
}

// SaveStatsSnapshot writes the snapshot to a temporary file and renames
// it over path, so a crash never leaves a partial file
func SaveStatsSnapshot(path string, snap StatsSnapshot) error {
	snap.fill()
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// StatsExporter appends the day's usage counts to a spreadsheet on a
// cron schedule
type StatsExporter struct {
	stats        *UsageStats
	sheets       SheetAppender
	snapshotFile string
	schedule     string
	location     *time.Location
	now          func() time.Time
	cron         *cron.Cron
	logger       *slog.Logger
	reporter     *ErrorReporter

	// serializes exports and snapshot writes
	mu sync.Mutex
}

func newStatsExporter(
	stats *UsageStats,
	sheets SheetAppender,
	config *StatsConfig,
	reporter *ErrorReporter,
	logger *slog.Logger,
) (*StatsExporter, error) {
	loc := time.Local
	if config.Timezone != "" {
		l, err := time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid stats timezone: %w", err)
		}
		loc = l
	}
	return &StatsExporter{
		stats:        stats,
		sheets:       sheets,
		snapshotFile: config.SnapshotFile,
		schedule:     config.Schedule,
		location:     loc,
		now:          time.Now,
		logger:       logger,
		reporter:     reporter,
	}, nil
}

func (e *StatsExporter) today() string {
	return e.now().In(e.location).Format(statsDateLayout)
}

// Enabled is false when there's no spreadsheet to export to
func (e *StatsExporter) Enabled() bool {
	return e != nil && e.sheets != nil
}

// Export appends one row per counter set to its sheet, then resets the
// counters and clears the snapshot file. Counts saved before a restart
// earlier the same day are included. If a sheet can't be appended to,
// its counts are kept for the next export.
func (e *StatsExporter) Export(ctx context.Context) error {
	if !e.Enabled() {
		return errors.New("stats export is not enabled")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	today := e.today()
	logger := e.logger.With("date", today)

	if e.snapshotFile != "" {
		restart, err := LoadStatsSnapshot(e.snapshotFile)
		if err != nil {
			logger.WarnContext(ctx, "unable to load stats snapshot", tint.Err(err))
		} else if restart.Date == today {
			logger.InfoContext(ctx, "merging counts saved before restart")
			e.stats.Merge(restart)
		}
	}

	snap := e.stats.Take(today)
	failed := EmptyStatsSnapshot()
	var errs []error

	for _, sheet := range snap.sheets() {
		row := make(map[string]any, len(sheet.counts)+1)
		for k, v := range sheet.counts {
			row[k] = v
		}
		row[statsDateColumn] = today
		if err := e.sheets.AppendRow(ctx, sheet.name, row); err != nil {
			errs = append(errs, fmt.Errorf("error appending to sheet %q: %w", sheet.name, err))
			maps.Copy(failedCounts(&failed, sheet.name), sheet.counts)
			continue
		}
		logger.InfoContext(ctx, "exported stats", "sheet", sheet.name, "keys", len(sheet.counts))
	}
	e.stats.Merge(failed)

	if e.snapshotFile != "" {
		if err := SaveStatsSnapshot(e.snapshotFile, EmptyStatsSnapshot()); err != nil {
			errs = append(errs, fmt.Errorf("error clearing stats snapshot: %w", err))
		}
	}
	return errors.Join(errs...)
}

func failedCounts(snap *StatsSnapshot, sheet string) map[string]int {
	switch sheet {
	case statsSheetCommands:
		return snap.Cmds
	case statsSheetTags:
		return snap.Tags
	case statsSheetInteractions:
		return snap.Ints
	default:
		return snap.Evts
	}
}

// SaveSnapshot writes the current counts to the snapshot file, adding
// to counts already saved earlier today
func (e *StatsExporter) SaveSnapshot() error {
	if e.snapshotFile == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	today := e.today()
	snap := e.stats.Snapshot(today)
	existing, err := LoadStatsSnapshot(e.snapshotFile)
	if err != nil {
		e.logger.Warn("unable to load existing stats snapshot", tint.Err(err))
	} else if existing.Date == today {
		mergeCounts(snap.Cmds, existing.Cmds)
		mergeCounts(snap.Ints, existing.Ints)
		mergeCounts(snap.Tags, existing.Tags)
		mergeCounts(snap.Evts, existing.Evts)
	}
	return SaveStatsSnapshot(e.snapshotFile, snap)
}

// Start schedules the daily export
func (e *StatsExporter) Start(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	c := cron.New(
		cron.WithLocation(e.location),
		cron.WithLogger(cronLogger{logger: e.logger}),
	)
	_, err := c.AddFunc(
		e.schedule, func() {
			exportCtx, cancel := context.WithTimeout(ctx, statsExportTimeout)
			defer cancel()
			if exportErr := e.Export(exportCtx); exportErr != nil {
				e.logger.ErrorContext(exportCtx, "stats export failed", tint.Err(exportErr))
				e.reporter.Report(exportCtx, exportErr, "Stats Export")
			}
		},
	)
	if err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", e.schedule, err)
	}
	e.cron = c
	c.Start()
	e.logger.Info("scheduled stats export", "schedule", e.schedule, "timezone", e.location.String())
	return nil
}

// Stop stops the scheduler, waiting for a running export to finish
func (e *StatsExporter) Stop(ctx context.Context) {
	if e.cron == nil {
		return
	}
	select {
	case <-e.cron.Stop().Done():
	case <-ctx.Done():
		e.logger.Warn("timed out waiting for stats export to finish")
	}
}
