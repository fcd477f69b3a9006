package webui

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const portalsTarget = "portals"

type grafanaTarget struct {
	Target string `json:"target"`
	Type   string `json:"type"`
}

type grafanaQuery struct {
	Targets []grafanaTarget `json:"targets"`
}

type grafanaColumn struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

type grafanaTable struct {
	Columns []grafanaColumn `json:"columns"`
	Type    string          `json:"type"`
	Rows    [][]string      `json:"rows"`
}

func (s *Server) grafanaTest(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) grafanaSearch(c *gin.Context) {
	c.JSON(http.StatusOK, []string{portalsTarget})
}

// grafanaQuery beantwortet nur die Tabelle "portals", alles andere ist leer.
func (s *Server) grafanaQuery(c *gin.Context) {
	var query grafanaQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(query.Targets) == 0 || query.Targets[0].Type != "table" || query.Targets[0].Target != portalsTarget {
		c.JSON(http.StatusOK, []grafanaTable{})
		return
	}

	stats := s.lastStatistics()
	keys := make([]string, 0, len(stats.DeviceStatistics))
	for key := range stats.DeviceStatistics {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		device := stats.DeviceStatistics[key]
		name := device.Name
		if name == "" {
			name = key
		}
		last := ""
		if device.LastMeasurement != nil {
			last = device.LastMeasurement.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{name, last})
	}

	c.JSON(http.StatusOK, []grafanaTable{{
		Columns: []grafanaColumn{
			{Text: "Name", Type: "string"},
			{Text: "Last Measurement", Type: "string"},
		},
		Type: "table",
		Rows: rows,
	}})
}
