package logic

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Maximale Anzahl von Log-Einträgen im Speicher
const maxLogEntries = 100

// LogEntry ist eine Log-Zeile, wie sie die Oberfläche anzeigt.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Label     string `json:"label"`
	Message   string `json:"message"`
}

// LogStore ist ein Hook für Logrus, der die letzten Einträge im Speicher hält
// und jeden Eintrag als LOG-Event veröffentlicht.
type LogStore struct {
	mu      sync.Mutex
	entries []LogEntry
	max     int
	hub     *Hub
}

// NewLogStore erzeugt einen Ringpuffer der angegebenen Größe. hub darf nil sein.
func NewLogStore(max int, hub *Hub) *LogStore {
	if max <= 0 {
		max = maxLogEntries
	}
	return &LogStore{entries: make([]LogEntry, 0, max), max: max, hub: hub}
}

// InitLogging konfiguriert den globalen logrus-Logger (JSON, Info) und hängt den
// Speicher-Hook an.
func InitLogging(store *LogStore) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)
	logrus.AddHook(store)
}

// Fire wird aufgerufen, wenn ein Log-Eintrag erzeugt wird.
func (l *LogStore) Fire(entry *logrus.Entry) error {
	label, _ := entry.Data["label"].(string)
	logEntry := LogEntry{
		Timestamp: entry.Time.UTC().Format(time.RFC3339Nano),
		Level:     levelName(entry.Level),
		Label:     label,
		Message:   entry.Message,
	}

	l.mu.Lock()
	// Wenn der Buffer voll ist, entferne den ältesten Eintrag
	if len(l.entries) >= l.max {
		l.entries = append(l.entries[:0], l.entries[1:]...)
	}
	l.entries = append(l.entries, logEntry)
	l.mu.Unlock()

	if l.hub != nil {
		l.hub.Publish(EventLog, logEntry)
	}
	return nil
}

// Levels gibt die Log-Level zurück, für die der Hook aktiviert ist.
func (l *LogStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Entries gibt eine Kopie aller gespeicherten Einträge zurück.
func (l *LogStore) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Add speichert einen Eintrag, der anderswo geloggt wurde, z.B. von einem externen UPNP-Browser.
func (l *LogStore) Add(entry LogEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.mu.Lock()
	if len(l.entries) >= l.max {
		l.entries = append(l.entries[:0], l.entries[1:]...)
	}
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.hub != nil {
		l.hub.Publish(EventLog, entry)
	}
}

// ClearLogs löscht alle gespeicherten Logs
func (l *LogStore) ClearLogs() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// SetDebug schaltet das globale Log-Level um und meldet es als DEBUG-Event.
func SetDebug(enabled bool, hub *Hub) {
	if enabled {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.WithField("label", "loader").Infof("Debug logging %v", enabled)
	if hub != nil {
		hub.Publish(EventDebug, enabled)
	}
}

// IsDebug gibt zurück, ob Debug-Logging aktiv ist.
func IsDebug() bool {
	return logrus.GetLevel() >= logrus.DebugLevel
}

func levelName(level logrus.Level) string {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "debug"
	case logrus.InfoLevel:
		return "info"
	case logrus.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}
