package storage

import (
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// InstanceConfigKey is the fixed key of the singleton config record.
const InstanceConfigKey = "instance_config"

// Tables bundles the typed table for every entity the orchestrator stores.
type Tables struct {
	Jobs           *Table[*models.Job]
	Tasks          *Table[*models.Task]
	Pools          *Table[*models.Pool]
	Scalesets      *Table[*models.Scaleset]
	Nodes          *Table[*models.Node]
	NodeTasks      *Table[*models.NodeTask]
	NodeMessages   *Table[*models.NodeMessage]
	Proxies        *Table[*models.Proxy]
	Notifications  *Table[*models.Notification]
	Webhooks       *Table[*models.WebhookSubscription]
	WebhookLogs    *Table[*models.WebhookMessageLog]
	InstanceConfig *Table[*models.InstanceConfig]
}

// NewTables builds the table registry on top of a Store. Key derivation
// follows the entity relationships: children partition under their parent so
// a single partition query answers "tasks of this job", "nodes of this
// pool", and so on.
func NewTables(store Store) *Tables {
	return &Tables{
		Jobs: NewTable(store, "jobs", func(j *models.Job) (string, string) {
			return j.JobID.String(), j.JobID.String()
		}),
		Tasks: NewTable(store, "tasks", func(t *models.Task) (string, string) {
			return t.JobID.String(), t.TaskID.String()
		}),
		Pools: NewTable(store, "pools", func(p *models.Pool) (string, string) {
			return p.Name, p.Name
		}),
		Scalesets: NewTable(store, "scalesets", func(s *models.Scaleset) (string, string) {
			return s.PoolName, s.ScalesetID.String()
		}),
		Nodes: NewTable(store, "nodes", func(n *models.Node) (string, string) {
			return n.PoolName, n.MachineID.String()
		}),
		NodeTasks: NewTable(store, "node_tasks", func(nt *models.NodeTask) (string, string) {
			return nt.MachineID.String(), nt.TaskID.String()
		}),
		NodeMessages: NewTable(store, "node_messages", func(m *models.NodeMessage) (string, string) {
			return m.MachineID.String(), m.MessageID
		}),
		Proxies: NewTable(store, "proxies", func(p *models.Proxy) (string, string) {
			return p.Region, p.ProxyID.String()
		}),
		Notifications: NewTable(store, "notifications", func(n *models.Notification) (string, string) {
			return n.Container, n.NotificationID.String()
		}),
		Webhooks: NewTable(store, "webhooks", func(w *models.WebhookSubscription) (string, string) {
			return w.WebhookID.String(), w.WebhookID.String()
		}),
		WebhookLogs: NewTable(store, "webhook_message_logs", func(l *models.WebhookMessageLog) (string, string) {
			return l.WebhookID.String(), l.EventID.String()
		}),
		InstanceConfig: NewTable(store, "instance_config", func(*models.InstanceConfig) (string, string) {
			return InstanceConfigKey, InstanceConfigKey
		}),
	}
}
