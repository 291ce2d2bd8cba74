package questions

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QuestionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_questions_created_total",
		Help: "Total number of questions created",
	})
	QuestionsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_questions_pending",
		Help: "Number of questions currently awaiting an answer",
	})
	QuestionsAnsweredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_questions_answered_total",
		Help: "Total number of questions answered",
	})
	QuestionsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_questions_expired_total",
		Help: "Total number of questions expired (timeout or orphaned by restart)",
	})
	QuestionsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentd_questions_cancelled_total",
		Help: "Total number of questions cancelled",
	})
)

func init() {
	prometheus.MustRegister(
		QuestionsCreatedTotal,
		QuestionsPending,
		QuestionsAnsweredTotal,
		QuestionsExpiredTotal,
		QuestionsCancelledTotal,
	)
}
