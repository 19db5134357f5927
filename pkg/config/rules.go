package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// ThresholdRule is one alarm rule as written in the rules file.
type ThresholdRule struct {
	ID          string      `yaml:"id" validate:"required"`
	TargetID    string      `yaml:"target_id"`
	Metric      string      `yaml:"metric" validate:"required"`
	Operator    string      `yaml:"operator" validate:"required,oneof=gt ge lt le"`
	Grades      []GradeRule `yaml:"grades" validate:"required,min=1,dive"`
	Clear       *float64    `yaml:"clear"`
	CallbackURI string      `yaml:"callback_uri"`
}

// GradeRule is one severity band of a threshold rule.
type GradeRule struct {
	Bound    float64 `yaml:"bound"`
	Severity string  `yaml:"severity" validate:"required,oneof=CRITICAL MAJOR MINOR WARNING"`
}

// RuleFile is the on-disk shape of the alarm rules file.
type RuleFile struct {
	Thresholds []ThresholdRule `yaml:"thresholds" validate:"dive"`
}

// LoadRules reads and validates the alarm rules file at path.
func LoadRules(path string) ([]*core.Threshold, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, core.NewValidationError("failed to parse rules file", err)
	}
	if err := ruleValidator.Struct(&file); err != nil {
		return nil, core.NewValidationError("invalid rules file", err)
	}

	thresholds := make([]*core.Threshold, 0, len(file.Thresholds))
	for _, rule := range file.Thresholds {
		grades := make([]core.CriteriaGrade, 0, len(rule.Grades))
		for _, g := range rule.Grades {
			grades = append(grades, core.CriteriaGrade{
				Bound:    g.Bound,
				Severity: core.Severity(g.Severity),
			})
		}
		thresholds = append(thresholds, &core.Threshold{
			ID:       rule.ID,
			TargetID: rule.TargetID,
			Criteria: core.ThresholdCriteria{
				Metric:   rule.Metric,
				Operator: core.ComparisonOperator(rule.Operator),
				Grades:   grades,
				Clear:    rule.Clear,
			},
			CallbackURI: rule.CallbackURI,
		})
	}
	return thresholds, nil
}

var ruleValidator = validator.New(validator.WithRequiredStructEnabled())

// RulesWatcher reloads the rules file when it changes on disk.
type RulesWatcher struct {
	path     string
	onReload func([]*core.Threshold)
	logger   *telemetry.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRulesWatcher watches path and invokes onReload with the parsed rules
// after every successful re-read. A file that fails to parse is logged and
// skipped; the previous rules stay in effect.
func NewRulesWatcher(path string, logger *telemetry.Logger, onReload func([]*core.Threshold)) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}

	w := &RulesWatcher{
		path:     path,
		onReload: onReload,
		logger:   logger.NewComponentLogger("rules-watcher"),
		watcher:  watcher,
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *RulesWatcher) loop() {
	defer w.wg.Done()

	// Debounce bursts of write events from a single save.
	var timer *time.Timer
	reload := func() {
		thresholds, err := LoadRules(w.path)
		if err != nil {
			w.logger.WithError(err).Warn("rules reload failed, keeping previous rules")
			return
		}
		w.logger.Infof("reloaded %d threshold rules", len(thresholds))
		w.onReload(thresholds)
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("rules watcher error")
		}
	}
}

// Close stops the watcher.
func (w *RulesWatcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
