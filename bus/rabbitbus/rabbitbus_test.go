package rabbitbus

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestToRoutingPattern(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"corp.jobs.>", "corp.jobs.#"},
		{"inbox.node-1.*", "inbox.node-1.*"},
		{"api.orders.create", "api.orders.create"},
		{">", "#"},
		{"a.*.b.>", "a.*.b.#"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toRoutingPattern(tt.subject), tt.subject)
	}
}

func TestHeaderTableConversion(t *testing.T) {
	h := map[string]string{"Request-Id": "r1", "Reply-To": "inbox.n.1"}

	tbl := toTable(h)
	assert.Equal(t, amqp.Table{"Request-Id": "r1", "Reply-To": "inbox.n.1"}, tbl)
	assert.Equal(t, h, fromTable(tbl))

	assert.Nil(t, toTable(nil))
	assert.Nil(t, fromTable(nil))
}

func TestFromTableSkipsNonStrings(t *testing.T) {
	got := fromTable(amqp.Table{"Request-Id": "r1", "x-death": int64(3)})
	assert.Equal(t, map[string]string{"Request-Id": "r1"}, got)
}

func TestFromDelivery(t *testing.T) {
	d := amqp.Delivery{
		RoutingKey: "corp.jobs.orders.fulfill",
		Headers:    amqp.Table{"Request-Id": "r9"},
		Body:       []byte(`{"id":9}`),
	}
	m := fromDelivery(d)
	assert.Equal(t, "corp.jobs.orders.fulfill", m.Subject)
	assert.Equal(t, "r9", m.Header["Request-Id"])
	assert.Equal(t, []byte(`{"id":9}`), m.Data)
}
