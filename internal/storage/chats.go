package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Projects ---

func (s *Store) CreateProject(name string) (Project, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO projects (name, created_at) VALUES (?, ?)`,
		name, now.Format(time.RFC3339))
	if err != nil {
		return Project{}, fmt.Errorf("inserting project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Project{}, err
	}
	return Project{ID: id, Name: name, CreatedAt: now}, nil
}

func (s *Store) GetProject(id int64) (Project, error) {
	var p Project
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &createdAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Project{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return p, nil
}

func (s *Store) DeleteProject(id int64) error {
	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Chats ---

func (s *Store) CreateChat(projectID int64, title string) (Chat, error) {
	now := time.Now().UTC()
	var pid interface{}
	if projectID != 0 {
		pid = projectID
	}
	res, err := s.db.Exec(`INSERT INTO chats (project_id, title, created_at) VALUES (?, ?, ?)`,
		pid, title, now.Format(time.RFC3339))
	if err != nil {
		return Chat{}, fmt.Errorf("inserting chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Chat{}, err
	}
	return Chat{ID: id, ProjectID: projectID, Title: title, CreatedAt: now}, nil
}

func (s *Store) GetChat(id int64) (Chat, error) {
	var c Chat
	var projectID, cutoff sql.NullInt64
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, project_id, title, system_prompt, summary, summary_cutoff_id, created_at
		FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &projectID, &c.Title, &c.SystemPrompt, &c.Summary, &cutoff, &createdAt)
	if err == sql.ErrNoRows {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	c.ProjectID = projectID.Int64
	c.SummaryCutoffID = cutoff.Int64
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Chat{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteChat(id int64) error {
	res, err := s.db.Exec(`DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateChatTitle(id int64, title string) error {
	res, err := s.db.Exec(`UPDATE chats SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateChatSystemPrompt(id int64, prompt string) error {
	res, err := s.db.Exec(`UPDATE chats SET system_prompt = ? WHERE id = ?`, prompt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateChatSummary replaces the chat summary and advances the cutoff.
// The cutoff is monotonic: a write that would move it backward is discarded
// and reported via the returned bool, never an error. This makes concurrent
// compactions of the same chat safe.
func (s *Store) UpdateChatSummary(id int64, summary string, cutoffID int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE chats SET summary = ?, summary_cutoff_id = ?
		WHERE id = ? AND (summary_cutoff_id IS NULL OR summary_cutoff_id < ?)`,
		summary, cutoffID, id, cutoffID,
	)
	if err != nil {
		return false, fmt.Errorf("updating summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Messages ---

func (s *Store) SaveMessage(chatID int64, role, content string) (Message, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO messages (chat_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		chatID, role, content, now.Format(time.RFC3339))
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, ChatID: chatID, Role: role, Content: content, CreatedAt: now}, nil
}

func (s *Store) GetMessage(id int64) (Message, error) {
	var m Message
	var createdAt string
	err := s.db.QueryRow(`SELECT id, chat_id, role, content, created_at FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &createdAt)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return m, nil
}

// GetChatMessages returns all messages of a chat in chronological order.
func (s *Store) GetChatMessages(chatID int64) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, role, content, created_at
		FROM messages WHERE chat_id = ? ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesUpTo returns all messages of a chat with id <= cutoffID,
// in chronological order. Used to gather the turns folded by a compaction.
func (s *Store) GetMessagesUpTo(chatID, cutoffID int64) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, role, content, created_at
		FROM messages WHERE chat_id = ? AND id <= ? ORDER BY id ASC`, chatID, cutoffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) CountMessages(chatID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}
