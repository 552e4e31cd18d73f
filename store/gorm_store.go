package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sea-battle-system/models"
)

// GormStore is the Postgres adapter for the shared state store.
//
// The backing service offers no transactions and no CAS, so every write here
// is a plain last-write-wins patch. Change notifications are produced two
// ways: locally on our own writes, and by a short-interval updated_at poll
// that picks up the other client's writes. Both feeds are best-effort.
type GormStore struct {
	db *gorm.DB

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	ch     chan ChangeEvent
	tables map[Table]bool
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:   db,
		subs: make(map[int]*subscriber),
	}
}

// AutoMigrate creates/updates the three coordinator tables.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Team{},
		&models.Game{},
		&models.GameParticipant{},
	)
}

func applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	for col, v := range f.Where {
		q = q.Where(col+" = ?", v)
	}
	if f.OrderBy != "" {
		q = q.Order(f.OrderBy)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

func (s *GormStore) QueryTeams(ctx context.Context, f Filter) ([]models.Team, error) {
	var rows []models.Team
	if err := applyFilter(s.db.WithContext(ctx), f).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query teams: %v", ErrUnavailable, err)
	}
	return rows, nil
}

func (s *GormStore) QueryGames(ctx context.Context, f Filter) ([]models.Game, error) {
	var rows []models.Game
	if err := applyFilter(s.db.WithContext(ctx), f).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query games: %v", ErrUnavailable, err)
	}
	return rows, nil
}

func (s *GormStore) QueryParticipants(ctx context.Context, f Filter) ([]models.GameParticipant, error) {
	var rows []models.GameParticipant
	if err := applyFilter(s.db.WithContext(ctx), f).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query participants: %v", ErrUnavailable, err)
	}
	return rows, nil
}

// upsert patches the row with the given id, creating it from the patch if it
// does not exist. OnConflict DoNothing absorbs the create/create race between
// the two clients; the loser's patch lands on the next reconciliation pass.
func (s *GormStore) upsert(ctx context.Context, table Table, model any, id string, patch Patch) error {
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(map[string]any(patch))
	if res.Error != nil {
		return fmt.Errorf("%w: upsert %s %s: %v", ErrUnavailable, table, id, res.Error)
	}

	kind := EventUpdate
	if res.RowsAffected == 0 {
		now := time.Now().UTC()
		row := map[string]any{"id": id, "created_at": now, "updated_at": now}
		for col, v := range patch {
			row[col] = v
		}
		create := s.db.WithContext(ctx).Model(model).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(row)
		if create.Error != nil {
			return fmt.Errorf("%w: insert %s %s: %v", ErrUnavailable, table, id, create.Error)
		}
		if create.RowsAffected > 0 {
			kind = EventInsert
		}
	}

	s.publish(ChangeEvent{Table: table, Kind: kind, RowID: id})
	return nil
}

func (s *GormStore) UpsertTeam(ctx context.Context, id string, patch Patch) error {
	return s.upsert(ctx, TableTeams, &models.Team{}, id, patch)
}

func (s *GormStore) UpsertGame(ctx context.Context, id string, patch Patch) error {
	return s.upsert(ctx, TableGames, &models.Game{}, id, patch)
}

func (s *GormStore) UpsertParticipant(ctx context.Context, id string, patch Patch) error {
	return s.upsert(ctx, TableParticipants, &models.GameParticipant{}, id, patch)
}

func (s *GormStore) DeleteGames(ctx context.Context, f Filter) error {
	if err := applyFilter(s.db.WithContext(ctx), f).Delete(&models.Game{}).Error; err != nil {
		return fmt.Errorf("%w: delete games: %v", ErrUnavailable, err)
	}
	s.publish(ChangeEvent{Table: TableGames, Kind: EventDelete})
	return nil
}

func (s *GormStore) DeleteParticipants(ctx context.Context, f Filter) error {
	if err := applyFilter(s.db.WithContext(ctx), f).Delete(&models.GameParticipant{}).Error; err != nil {
		return fmt.Errorf("%w: delete participants: %v", ErrUnavailable, err)
	}
	s.publish(ChangeEvent{Table: TableParticipants, Kind: EventDelete})
	return nil
}

func (s *GormStore) Subscribe(ctx context.Context, tables ...Table) (<-chan ChangeEvent, func()) {
	sub := &subscriber{
		ch:     make(chan ChangeEvent, 64),
		tables: make(map[Table]bool, len(tables)),
	}
	for _, t := range tables {
		sub.tables[t] = true
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, cancel
}

// publish fans an event out to interested subscribers. Slow subscribers have
// the event dropped; the contract is at-least-once best effort, and the
// periodic reconciliation pass backstops anything missed here.
func (s *GormStore) publish(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if len(sub.tables) > 0 && !sub.tables[ev.Table] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

type changeRow struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StartChangeFeed polls updated_at cursors and publishes change events for
// rows touched by the other client. Runs until ctx is done.
func (s *GormStore) StartChangeFeed(ctx context.Context, interval time.Duration) {
	go func() {
		log.Printf("[Store] 🔁 change feed polling every %s", interval)

		cursors := map[Table]time.Time{
			TableTeams:        time.Now().UTC(),
			TableGames:        time.Now().UTC(),
			TableParticipants: time.Now().UTC(),
		}
		tables := map[Table]any{
			TableTeams:        &models.Team{},
			TableGames:        &models.Game{},
			TableParticipants: &models.GameParticipant{},
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Println("[Store] change feed stopped")
				return
			case <-ticker.C:
				for table, model := range tables {
					cursor := cursors[table]
					var rows []changeRow
					err := s.db.WithContext(ctx).Model(model).
						Select("id", "created_at", "updated_at").
						Where("updated_at > ?", cursor).
						Find(&rows).Error
					if err != nil {
						log.Printf("[Store] ⚠️ change feed poll failed for %s: %v", table, err)
						continue
					}
					for _, row := range rows {
						kind := EventUpdate
						if !row.CreatedAt.Before(cursor) {
							kind = EventInsert
						}
						if row.UpdatedAt.After(cursors[table]) {
							cursors[table] = row.UpdatedAt
						}
						s.publish(ChangeEvent{Table: table, Kind: kind, RowID: row.ID})
					}
				}
			}
		}
	}()
}
