// USER MANAGEMENT FÜR MQTT-BROKER
package logic

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite" // Import für SQLite
	yaml "gopkg.in/yaml.v2"
)

// EventTopicPrefix is the broker namespace loader events are published under.
const EventTopicPrefix = "venus-influx-loader/events"

// Berechtigungen wie im auth-Hook des Brokers
const (
	permissionRead      = 1
	permissionReadWrite = 3
)

// addUser fügt einen neuen Benutzer zur Datenbank hinzu. Ein vorhandener Benutzer
// wird ersetzt.
func addUser(db *sql.DB, user Auth, filters Filters) error {
	if err := deleteUser(db, user.Username); err != nil {
		return err
	}

	// Füge den neuen Benutzer zur Authentifizierungstabelle hinzu
	_, err := db.Exec("INSERT INTO auth (username, password, allow) VALUES (?, ?, ?)", user.Username, user.Password, user.Allow)
	if err != nil {
		return err
	}

	// Füge die ACL für den Benutzer hinzu
	for topic, permission := range filters {
		_, err := db.Exec("INSERT INTO acl (username, topic, permission) VALUES (?, ?, ?)", user.Username, topic, permission)
		if err != nil {
			return err
		}
	}
	return nil
}

// deleteUser löscht einen Benutzer aus der Datenbank
func deleteUser(db *sql.DB, username string) error {
	// ACL zuerst, sie verweist auf auth
	if _, err := db.Exec("DELETE FROM acl WHERE username = ?", username); err != nil {
		return err
	}
	if _, err := db.Exec("DELETE FROM auth WHERE username = ?", username); err != nil {
		return err
	}
	return nil
}

func userExists(db *sql.DB, username string) (bool, error) {
	var userCount int
	err := db.QueryRow("SELECT COUNT(*) FROM auth WHERE username = ?", username).Scan(&userCount)
	if err != nil {
		return false, err
	}
	return userCount > 0, nil
}

// SyncBrokerUsers legt die Broker-Benutzer an. The admin login may read loader events;
// the previous admin user is removed when the login name changed. The "loader" user
// gets a fresh random password and full access for tooling that runs next to the loader.
func SyncBrokerUsers(db *sql.DB, secrets SecretsConfig, previousLogin string) (string, error) {
	login := secrets.Login
	if login.Username == "" {
		return "", fmt.Errorf("no admin login configured")
	}
	if previousLogin != "" && previousLogin != login.Username {
		if err := deleteUser(db, previousLogin); err != nil {
			return "", fmt.Errorf("failed to remove broker user %s: %v", previousLogin, err)
		}
	}

	err := addUser(db, Auth{Username: login.Username, Password: login.Password, Allow: true}, Filters{
		EventTopicPrefix + "/#": permissionRead,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create broker user for %s: %v", login.Username, err)
	}

	loaderPassword := genRandomPW()
	err = addUser(db, Auth{Username: "loader", Password: loaderPassword, Allow: true}, Filters{
		"#": permissionReadWrite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create broker user for loader: %v", err)
	}
	return loaderPassword, nil
}

// BrokerUsers liest alle Benutzer und deren ACLs aus der Datenbank.
func BrokerUsers(db *sql.DB) ([]Auth, []ACL, error) {
	rows, err := db.Query("SELECT username, password, allow FROM auth ORDER BY username")
	if err != nil {
		return nil, nil, err
	}
	var users []Auth
	for rows.Next() {
		var user Auth
		if err := rows.Scan(&user.Username, &user.Password, &user.Allow); err != nil {
			rows.Close()
			return nil, nil, err
		}
		users = append(users, user)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// ACLs erst nach dem Schließen der ersten Abfrage lesen, die DB hat nur eine Verbindung
	aclRows, err := db.Query("SELECT username, topic, permission FROM acl")
	if err != nil {
		return nil, nil, err
	}
	defer aclRows.Close()

	filters := make(map[string]Filters)
	for aclRows.Next() {
		var username, topic string
		var permission int
		if err := aclRows.Scan(&username, &topic, &permission); err != nil {
			return nil, nil, err
		}
		if filters[username] == nil {
			filters[username] = Filters{}
		}
		filters[username][topic] = permission
	}
	if err := aclRows.Err(); err != nil {
		return nil, nil, err
	}

	acls := make([]ACL, 0, len(users))
	for _, user := range users {
		f := filters[user.Username]
		if f == nil {
			f = Filters{}
		}
		acls = append(acls, ACL{Username: user.Username, Filters: f})
	}
	return users, acls, nil
}

// BrokerAuthData liefert die Benutzer im YAML-Format des auth-Hooks des Brokers.
func BrokerAuthData(db *sql.DB) ([]byte, error) {
	users, acls, err := BrokerUsers(db)
	if err != nil {
		return nil, err
	}

	auth := make([]map[string]interface{}, 0, len(users))
	for _, user := range users {
		auth = append(auth, map[string]interface{}{
			"username": user.Username,
			"password": user.Password,
			"allow":    user.Allow,
		})
	}
	acl := make([]map[string]interface{}, 0, len(acls))
	for _, a := range acls {
		acl = append(acl, map[string]interface{}{
			"username": a.Username,
			"filters":  map[string]int(a.Filters),
		})
	}

	// Konvertiere die Daten in YAML
	return yaml.Marshal(map[string]interface{}{
		"auth": auth,
		"acl":  acl,
	})
}
