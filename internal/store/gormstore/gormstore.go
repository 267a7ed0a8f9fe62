// Package gormstore persists drafts in Postgres through gorm.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/league-live/internal/engine"
	"github.com/DoyleJ11/league-live/internal/ranking"
	"github.com/DoyleJ11/league-live/internal/store"
)

type DraftRow struct {
	ID              string     `gorm:"column:id;primaryKey;size:190"`
	Status          string     `gorm:"column:status;size:32;not null"`
	OrderJSON       string     `gorm:"column:order_json;type:text;not null"`
	Rounds          int        `gorm:"column:rounds;not null"`
	PickTimerMS     int64      `gorm:"column:pick_timer_ms;not null"`
	AutopickEnabled bool       `gorm:"column:autopick_enabled;not null"`
	TimerDeadline   *time.Time `gorm:"column:timer_deadline"`
	RemainingMS     int64      `gorm:"column:remaining_ms;not null;default:0"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	ArchivedAt      *time.Time `gorm:"column:archived_at;index"`
	OwnerOrigin     string     `gorm:"column:owner_origin;size:64;not null;default:''"`
	LeaseExpiresAt  *time.Time `gorm:"column:lease_expires_at"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (DraftRow) TableName() string { return "drafts" }

type PickRow struct {
	DraftID       string    `gorm:"column:draft_id;primaryKey;size:190"`
	PickNumber    int       `gorm:"column:pick_number;primaryKey"`
	Round         int       `gorm:"column:round;not null"`
	PickInRound   int       `gorm:"column:pick_in_round;not null"`
	ParticipantID string    `gorm:"column:participant_id;size:190;not null"`
	SelectionID   string    `gorm:"column:selection_id;size:190;not null;index"`
	MadeAt        time.Time `gorm:"column:made_at;not null"`
	WasAutopick   bool      `gorm:"column:was_autopick;not null"`
}

func (PickRow) TableName() string { return "draft_picks" }

// RankingRow holds one autopick list. The draft's default list has an empty
// participant id.
type RankingRow struct {
	DraftID       string   `gorm:"column:draft_id;primaryKey;size:190"`
	ParticipantID string   `gorm:"column:participant_id;primaryKey;size:190"`
	Selections    []string `gorm:"column:selections;type:text;serializer:json;not null"`
}

func (RankingRow) TableName() string { return "draft_rankings" }

type Store struct {
	db *gorm.DB
}

// Open connects to Postgres at dsn and migrates the draft tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db)
}

// New wraps an existing connection, migrating the draft tables.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&DraftRow{}, &PickRow{}, &RankingRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ScheduleDraft(ctx context.Context, st engine.State) error {
	if err := engine.Validate(st); err != nil {
		return err
	}
	row, err := toDraftRow(st)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) LoadDraftState(ctx context.Context, draftID string) (engine.State, error) {
	var row DraftRow
	err := s.db.WithContext(ctx).Where("id = ?", draftID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.State{}, store.ErrNotFound
	}
	if err != nil {
		return engine.State{}, fmt.Errorf("load draft %s: %w", draftID, err)
	}

	var rows []PickRow
	if err := s.db.WithContext(ctx).Where("draft_id = ?", draftID).Order("pick_number").Find(&rows).Error; err != nil {
		return engine.State{}, fmt.Errorf("load picks for %s: %w", draftID, err)
	}

	header, err := fromDraftRow(row)
	if err != nil {
		return engine.State{}, err
	}
	picks := make([]engine.Pick, 0, len(rows))
	for _, r := range rows {
		picks = append(picks, engine.Pick{
			Round:         r.Round,
			PickInRound:   r.PickInRound,
			PickNumber:    r.PickNumber,
			ParticipantID: r.ParticipantID,
			SelectionID:   r.SelectionID,
			MadeAt:        r.MadeAt,
			WasAutopick:   r.WasAutopick,
		})
	}
	return store.Restore(header, picks)
}

func (s *Store) SaveDraftState(ctx context.Context, st engine.State) error {
	res := s.db.WithContext(ctx).Model(&DraftRow{}).Where("id = ?", st.DraftID).Updates(map[string]any{
		"status":         string(st.Status),
		"timer_deadline": optionalTime(st.TimerDeadline),
		"remaining_ms":   st.Remaining.Milliseconds(),
		"completed_at":   optionalTime(st.CompletedAt),
	})
	if res.Error != nil {
		return fmt.Errorf("save draft %s: %w", st.DraftID, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendPick(ctx context.Context, draftID string, p engine.Pick) error {
	row := PickRow{
		DraftID:       draftID,
		PickNumber:    p.PickNumber,
		Round:         p.Round,
		PickInRound:   p.PickInRound,
		ParticipantID: p.ParticipantID,
		SelectionID:   p.SelectionID,
		MadeAt:        p.MadeAt,
		WasAutopick:   p.WasAutopick,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("append pick %d to %s: %w", p.PickNumber, draftID, err)
	}
	return nil
}

func (s *Store) ArchiveCompletedDraft(ctx context.Context, draftID string) error {
	res := s.db.WithContext(ctx).Model(&DraftRow{}).
		Where("id = ? AND archived_at IS NULL", draftID).
		Update("archived_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("archive draft %s: %w", draftID, res.Error)
	}
	return nil
}

func (s *Store) ActiveDrafts(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&DraftRow{}).
		Where("status IN ? AND archived_at IS NULL", []string{string(engine.StatusInProgress), string(engine.StatusPaused)}).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active drafts: %w", err)
	}
	return ids, nil
}

func (s *Store) AcquireLease(ctx context.Context, draftID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()
	res := s.db.WithContext(ctx).Model(&DraftRow{}).
		Where("id = ? AND (owner_origin = ? OR owner_origin = '' OR lease_expires_at IS NULL OR lease_expires_at <= ?)", draftID, owner, now).
		Updates(map[string]any{
			"owner_origin":     owner,
			"lease_expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return false, fmt.Errorf("lease draft %s: %w", draftID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	exists, err := s.exists(s.db.WithContext(ctx), draftID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) SaveRanking(ctx context.Context, draftID string, lists ranking.Lists) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.exists(tx, draftID)
		if err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		if err := tx.Where("draft_id = ?", draftID).Delete(&RankingRow{}).Error; err != nil {
			return fmt.Errorf("clear rankings of %s: %w", draftID, err)
		}
		rows := make([]RankingRow, 0, len(lists.Personal)+1)
		if len(lists.Defaults) > 0 {
			rows = append(rows, RankingRow{DraftID: draftID, Selections: lists.Defaults})
		}
		for participant, list := range lists.Personal {
			rows = append(rows, RankingRow{DraftID: draftID, ParticipantID: participant, Selections: list})
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("save rankings of %s: %w", draftID, err)
		}
		return nil
	})
}

func (s *Store) LoadRanking(ctx context.Context, draftID string) (ranking.Lists, error) {
	var rows []RankingRow
	if err := s.db.WithContext(ctx).Where("draft_id = ?", draftID).Order("participant_id").Find(&rows).Error; err != nil {
		return ranking.Lists{}, fmt.Errorf("load rankings of %s: %w", draftID, err)
	}
	if len(rows) == 0 {
		return ranking.Lists{}, store.ErrNotFound
	}
	var lists ranking.Lists
	for _, r := range rows {
		if r.ParticipantID == "" {
			lists.Defaults = r.Selections
			continue
		}
		if lists.Personal == nil {
			lists.Personal = make(map[string][]string)
		}
		lists.Personal[r.ParticipantID] = r.Selections
	}
	return lists, nil
}

func (s *Store) exists(db *gorm.DB, draftID string) (bool, error) {
	var n int64
	if err := db.Model(&DraftRow{}).Where("id = ?", draftID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("look up draft %s: %w", draftID, err)
	}
	return n > 0, nil
}

func toDraftRow(st engine.State) (DraftRow, error) {
	order, err := json.Marshal(st.Order)
	if err != nil {
		return DraftRow{}, fmt.Errorf("encode order: %w", err)
	}
	return DraftRow{
		ID:              st.DraftID,
		Status:          string(st.Status),
		OrderJSON:       string(order),
		Rounds:          st.Rounds,
		PickTimerMS:     st.PickTimer.Milliseconds(),
		AutopickEnabled: st.AutopickEnabled,
		TimerDeadline:   optionalTime(st.TimerDeadline),
		RemainingMS:     st.Remaining.Milliseconds(),
		CompletedAt:     optionalTime(st.CompletedAt),
	}, nil
}

func fromDraftRow(row DraftRow) (engine.State, error) {
	var order []string
	if err := json.Unmarshal([]byte(row.OrderJSON), &order); err != nil {
		return engine.State{}, fmt.Errorf("decode order of %s: %w", row.ID, err)
	}
	st := engine.NewDraft(row.ID, order, row.Rounds, time.Duration(row.PickTimerMS)*time.Millisecond, row.AutopickEnabled)
	st.Status = engine.Status(row.Status)
	st.Remaining = time.Duration(row.RemainingMS) * time.Millisecond
	if row.TimerDeadline != nil {
		st.TimerDeadline = *row.TimerDeadline
	}
	if row.CompletedAt != nil {
		st.CompletedAt = *row.CompletedAt
	}
	return st, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ store.Store = (*Store)(nil)
