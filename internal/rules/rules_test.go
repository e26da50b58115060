package rules_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/rules"
)

func TestShouldNotify(t *testing.T) {
	invoice := json.RawMessage(`{"result":["Invoice #4 downloaded"]}`)

	tests := map[string]struct {
		rules  []db.NotificationRule
		output json.RawMessage
		exp    bool
	}{
		"No rules should not notify.": {
			rules:  nil,
			output: invoice,
			exp:    false,
		},

		"A contains rule should match case insensitively.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: "invoice", Enabled: true}},
			output: invoice,
			exp:    true,
		},

		"A disabled rule should never match.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: "invoice", Enabled: false}},
			output: invoice,
			exp:    false,
		},

		"A not contains rule should match when the value is absent.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextNotContains, Value: "error", Enabled: true}},
			output: json.RawMessage(`{"result":["done"]}`),
			exp:    true,
		},

		"A not contains rule should not match when the value is present.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextNotContains, Value: "ERROR", Enabled: true}},
			output: json.RawMessage(`{"result":["Error: page not found"]}`),
			exp:    false,
		},

		"An output contains rule should behave like contains.": {
			rules:  []db.NotificationRule{{Type: db.RuleOutputContains, Value: "#4", Enabled: true}},
			output: invoice,
			exp:    true,
		},

		"Unknown rule kinds should be inert.": {
			rules:  []db.NotificationRule{{Type: "regex", Value: ".*", Enabled: true}},
			output: invoice,
			exp:    false,
		},

		"Any matching rule should trigger.": {
			rules: []db.NotificationRule{
				{Type: db.RuleTextContains, Value: "refund", Enabled: true},
				{Type: db.RuleTextContains, Value: "downloaded", Enabled: true},
			},
			output: invoice,
			exp:    true,
		},

		"A missing output should serialize as null.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: "null", Enabled: true}},
			output: nil,
			exp:    true,
		},

		"HTML characters should not be escaped before matching.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: "<b>sale</b>", Enabled: true}},
			output: json.RawMessage(`{"result":["<b>SALE</b> today"]}`),
			exp:    true,
		},

		"Escaped non ASCII characters should be decoded before matching.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: "échec", Enabled: true}},
			output: json.RawMessage(`{"result":["\u00c9CHEC du paiement"]}`),
			exp:    true,
		},

		"A not contains rule should see decoded non ASCII characters.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextNotContains, Value: "échec", Enabled: true}},
			output: json.RawMessage(`{"result":["\u00c9CHEC du paiement"]}`),
			exp:    false,
		},

		"Escaped slashes should be decoded before matching.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: "https://shop.example", Enabled: true}},
			output: json.RawMessage(`{"result":["see https:\/\/shop.example\/cart"]}`),
			exp:    true,
		},

		"Upper case HTML escapes should be decoded before matching.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: "<b>", Enabled: true}},
			output: json.RawMessage(`{"result":["\u003Cb\u003Esale"]}`),
			exp:    true,
		},

		"The output should be matched as compact JSON in key order.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: `{"status":"done","total":1.5,"items":[1,true,null]}`, Enabled: true}},
			output: json.RawMessage("{ \"status\" : \"done\",\n  \"total\": 1.50, \"items\": [ 1, true, null ] }"),
			exp:    true,
		},

		"A truthy jmespath expression should trigger.": {
			rules:  []db.NotificationRule{{Type: db.RuleJMESPath, Value: "length(result) > `1`", Enabled: true}},
			output: json.RawMessage(`{"result":["a","b"]}`),
			exp:    true,
		},

		"A falsy jmespath expression should not trigger.": {
			rules:  []db.NotificationRule{{Type: db.RuleJMESPath, Value: "result[?contains(@, 'sold out')]", Enabled: true}},
			output: json.RawMessage(`{"result":["in stock"]}`),
			exp:    false,
		},

		"An invalid jmespath expression should be inert.": {
			rules:  []db.NotificationRule{{Type: db.RuleJMESPath, Value: "result[", Enabled: true}},
			output: invoice,
			exp:    false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, rules.ShouldNotify(test.rules, test.output))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		rules  []db.NotificationRule
		expErr bool
	}{
		"Valid rules should pass.": {
			rules: []db.NotificationRule{
				{Type: db.RuleTextContains, Value: "x", Enabled: true},
				{Type: db.RuleJMESPath, Value: "result[0]", Enabled: false},
			},
		},

		"An empty value should fail.": {
			rules:  []db.NotificationRule{{Type: db.RuleTextContains, Value: " "}},
			expErr: true,
		},

		"An invalid jmespath should fail.": {
			rules:  []db.NotificationRule{{Type: db.RuleJMESPath, Value: "result["}},
			expErr: true,
		},

		"An unknown type should be accepted.": {
			rules: []db.NotificationRule{{Type: "regex", Value: "x"}},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := rules.Validate(test.rules)
			if test.expErr {
				assert.ErrorIs(t, err, db.ErrNotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
