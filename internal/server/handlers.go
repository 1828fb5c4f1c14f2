package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"defi-agents/internal/storage"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type statsView struct {
	storage.AgentStats
	WinRate decimal.Decimal `json:"win_rate"`
}

func (s *Server) handleStats(c *gin.Context) {
	account := c.Param("account")
	agentType, ok := agentTypeParam(c)
	if !ok {
		return
	}
	stats, err := s.cfg.Ledger.Query(c.Request.Context(), account, agentType)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]statsView, 0, len(stats))
	for _, st := range stats {
		out = append(out, statsView{AgentStats: st, WinRate: st.WinRate().Round(4)})
	}
	c.JSON(http.StatusOK, gin.H{"account_key": account, "stats": out})
}

func (s *Server) handleExecutions(c *gin.Context) {
	filter := storage.ExecutionFilter{
		AccountKey: c.Param("account"),
		Limit:      limitParam(c),
		Newest:     true,
	}
	agentType, ok := agentTypeParam(c)
	if !ok {
		return
	}
	filter.AgentType = agentType
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status := storage.ExecutionStatus(raw)
		switch status {
		case storage.StatusPending, storage.StatusConfirmed, storage.StatusFailed:
			filter.Status = &status
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
	}
	var err error
	if filter.From, err = timeParam(c, "from"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from: " + err.Error()})
		return
	}
	if filter.To, err = timeParam(c, "to"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to: " + err.Error()})
		return
	}

	records, err := s.cfg.Ledger.History(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_key": filter.AccountKey, "executions": records})
}

func (s *Server) handleRounds(c *gin.Context) {
	if s.cfg.Rounds == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "round log not enabled"})
		return
	}
	account := c.Param("account")
	rounds, err := s.cfg.Rounds.ListRounds(c.Request.Context(), account, limitParam(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_key": account, "rounds": rounds})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func agentTypeParam(c *gin.Context) (*storage.AgentType, bool) {
	raw := strings.TrimSpace(c.Query("agent_type"))
	if raw == "" {
		return nil, true
	}
	t, ok := storage.ParseAgentType(raw)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent_type"})
		return nil, false
	}
	return &t, true
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// timeParam accepts RFC3339 or a unix timestamp in seconds.
func timeParam(c *gin.Context, name string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		ts := time.Unix(secs, 0).UTC()
		return &ts, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
