package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/legacychat/internal/db"
	"github.com/4xmen/legacychat/pkg/config"
)

// appStatus is a point-in-time snapshot of the reference server's data.
type appStatus struct {
	GeneratedAt     time.Time
	Environment     string
	Port            string
	DatabasePath    string
	FileStoragePath string

	Users               int64
	Conversations       int64
	Messages            int64
	ImageMessages       int64
	UnreadNotifications int64
	Files               int64
	UploadedBytes       int64
	MessagesLast24h     int64
	LatestMessageAt     string

	DBSize          int64
	DBWALSize       int64
	DBSHMSize       int64
	UploadDirSize   int64
	UploadFileCount int64

	DBMetricsReady  bool
	DBWarning       string
	StorageWarnings []string
}

// statField is one reported number. Both printers and the collector walk
// the same fields so labels, JSON keys and queries stay in one place.
type statField struct {
	key   string
	label string
	value *int64
	size  bool
	query string
	since bool
}

func (s *appStatus) chatFields() []statField {
	return []statField{
		{key: "users", label: "Users", value: &s.Users,
			query: "SELECT COUNT(*) FROM users"},
		{key: "conversations", label: "Conversations", value: &s.Conversations,
			query: `SELECT COUNT(*) FROM (
				SELECT DISTINCT MIN(sender_id, receiver_id), MAX(sender_id, receiver_id) FROM messages)`},
		{key: "messages", label: "Messages", value: &s.Messages,
			query: "SELECT COUNT(*) FROM messages"},
		{key: "image_messages", label: "Image messages", value: &s.ImageMessages,
			query: "SELECT COUNT(*) FROM messages WHERE content_type = 'image'"},
		{key: "unread_notifications", label: "Unread notifications", value: &s.UnreadNotifications,
			query: "SELECT COUNT(*) FROM notifications WHERE status = 'unread'"},
		{key: "files", label: "File records", value: &s.Files,
			query: "SELECT COUNT(*) FROM files"},
		{key: "uploaded_bytes", label: "Uploaded bytes", value: &s.UploadedBytes, size: true,
			query: "SELECT COALESCE(SUM(file_size), 0) FROM files"},
		{key: "messages_last_24h", label: "Messages last 24h", value: &s.MessagesLast24h,
			query: "SELECT COUNT(*) FROM messages WHERE created_at >= ?", since: true},
	}
}

func (s *appStatus) storageFields() []statField {
	footprint := s.DBSize + s.DBWALSize + s.DBSHMSize
	return []statField{
		{key: "db_file_bytes", label: "DB file", value: &s.DBSize, size: true},
		{key: "db_wal_bytes", label: "DB WAL file", value: &s.DBWALSize, size: true},
		{key: "db_shm_bytes", label: "DB SHM file", value: &s.DBSHMSize, size: true},
		{key: "db_footprint_bytes", label: "DB footprint", value: &footprint, size: true},
		{key: "upload_file_count", label: "Upload files", value: &s.UploadFileCount},
		{key: "upload_dir_bytes", label: "Upload size", value: &s.UploadDirSize, size: true},
	}
}

func (f statField) display() string {
	if f.size {
		return formatBytes(*f.value)
	}
	return fmt.Sprint(*f.value)
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	var opts statusOptions
	for _, arg := range args {
		if arg != "--json" && arg != "-j" {
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
		opts.JSON = true
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg, time.Now())
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config, now time.Time) appStatus {
	status := appStatus{
		GeneratedAt:     now,
		Environment:     cfg.Environment,
		Port:            cfg.Port,
		DatabasePath:    cfg.DatabasePath,
		FileStoragePath: cfg.FileStoragePath,
	}
	status.collectStorage()

	if err := status.collectChat(now); err != nil {
		status.DBWarning = err.Error()
		return status
	}
	status.DBMetricsReady = true
	return status
}

func (s *appStatus) collectStorage() {
	var err error
	if s.DBSize, err = fileSize(s.DatabasePath); err != nil {
		s.StorageWarnings = append(s.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}
	// The journal files only exist while a writer has the database open.
	s.DBWALSize, _ = fileSize(s.DatabasePath + "-wal")
	s.DBSHMSize, _ = fileSize(s.DatabasePath + "-shm")

	if s.UploadDirSize, s.UploadFileCount, err = dirUsage(s.FileStoragePath); err != nil {
		s.StorageWarnings = append(s.StorageWarnings, fmt.Sprintf("upload dir: %v", err))
	}
}

// collectChat reads the counters through a read-only handle so a status
// check never creates the file or runs migrations.
func (s *appStatus) collectChat(now time.Time) error {
	if _, err := os.Stat(s.DatabasePath); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+s.DatabasePath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}

	cutoff := now.UTC().Add(-24 * time.Hour).Format(db.TimeLayout)
	for _, f := range s.chatFields() {
		var args []any
		if f.since {
			args = append(args, cutoff)
		}
		if err := conn.QueryRow(f.query, args...).Scan(f.value); err != nil {
			return fmt.Errorf("could not read %s: %w", f.key, err)
		}
	}
	err = conn.QueryRow("SELECT COALESCE(MAX(created_at), '') FROM messages").Scan(&s.LatestMessageAt)
	if err != nil {
		return fmt.Errorf("could not read latest message: %w", err)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return 0, err
	case info.IsDir():
		return 0, fmt.Errorf("%s is a directory", path)
	default:
		return info.Size(), nil
	}
}

// dirUsage sums the size and count of regular files below root.
func dirUsage(root string) (size int64, files int64, err error) {
	err = filepath.WalkDir(root, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		files++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return size, files, nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for rest := n / unit; rest >= unit; rest /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "Legacy Chat Server Status")
	for _, row := range [][2]string{
		{"Generated at", status.GeneratedAt.Format(time.RFC3339)},
		{"Environment", status.Environment},
		{"Port", status.Port},
		{"Database", status.DatabasePath},
		{"Uploads dir", status.FileStoragePath},
	} {
		fmt.Fprintf(w, "%s\t: %s\n", row[0], row[1])
	}

	fmt.Fprintln(w, "\nChat data")
	if status.DBMetricsReady {
		for _, f := range status.chatFields() {
			fmt.Fprintf(w, "  %s\t: %s\n", f.label, f.display())
		}
		fmt.Fprintf(w, "  Latest message at\t: %s\n", formatTimestamp(status.LatestMessageAt))
	} else {
		fmt.Fprintln(w, "  Database metrics\t: n/a")
	}

	fmt.Fprintln(w, "\nStorage")
	for _, f := range status.storageFields() {
		fmt.Fprintf(w, "  %s\t: %s\n", f.label, f.display())
	}

	warnings := status.StorageWarnings
	if status.DBWarning != "" {
		warnings = append([]string{status.DBWarning}, warnings...)
	}
	if len(warnings) > 0 {
		fmt.Fprintln(w)
	}
	for _, warning := range warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	fieldMap := func(fields []statField) map[string]any {
		m := make(map[string]any, len(fields))
		for _, f := range fields {
			m[f.key] = *f.value
			if f.size {
				m[f.key+"_human"] = f.display()
			}
		}
		return m
	}

	chatData := fieldMap(status.chatFields())
	chatData["latest_message_at"] = formatTimestamp(status.LatestMessageAt)

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at":      status.GeneratedAt.Format(time.RFC3339),
		"environment":       status.Environment,
		"port":              status.Port,
		"database_path":     status.DatabasePath,
		"file_storage_path": status.FileStoragePath,
		"metrics_ready":     status.DBMetricsReady,
		"metrics":           chatData,
		"storage":           fieldMap(status.storageFields()),
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	})
}
