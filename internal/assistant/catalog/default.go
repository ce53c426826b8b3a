package catalog

// Default returns the built-in catalog covering the assistant's bundled
// booking and invoicing tools.  Deployments override it with a YAML catalog
// via configuration; the built-in set keeps a fresh install usable.
func Default() *Catalog {
	c, err := New(Document{
		Version: Version,
		Intents: []IntentSpec{
			{
				Name:    "bookings.list",
				Phrases: []string{"list bookings", "show bookings", "show my bookings", "what bookings are there"},
				Route:   RouteSpec{Tool: "bookings.list"},
			},
			{
				Name:    "bookings.create",
				Phrases: []string{"book a table", "create a booking", "new booking", "make a reservation"},
				Slots: []SlotSpec{
					{Name: "customer", Pattern: `(?i)for ([A-Za-z][A-Za-z-]+)(?:\s|$)`},
					{Name: "partySize", Kind: "number", Pattern: `(?i)party of (\d+)`},
				},
				Route: RouteSpec{
					Tool: "bookings.create",
					Input: map[string]string{
						"customer":  "$customer",
						"partySize": "$partySize",
					},
				},
			},
			{
				Name:        "bookings.cancel",
				Phrases:     []string{"cancel booking", "cancel the booking", "cancel my booking"},
				FollowsFrom: []string{"bookings.list"},
				Slots: []SlotSpec{
					{Name: "bookingId", Pattern: `(bk_[a-z0-9]+)`},
				},
				Route: RouteSpec{
					Tool: "bookings.cancel",
					Input: map[string]string{
						"bookingId": "$bookingId",
					},
				},
			},
			{
				Name:    "invoices.show",
				Phrases: []string{"show invoice", "show the invoice", "invoice details"},
				Slots: []SlotSpec{
					{Name: "invoiceId", Pattern: `(invoice_[a-z0-9]+)`},
				},
				Route: RouteSpec{
					Tool: "invoices.show",
					Input: map[string]string{
						"invoiceId": "$invoiceId",
					},
				},
			},
			{
				Name:        "invoices.refund",
				Phrases:     []string{"refund invoice", "refund the invoice", "issue a refund"},
				FollowsFrom: []string{"invoices.show"},
				Slots: []SlotSpec{
					{Name: "invoiceId", Pattern: `(invoice_[a-z0-9]+)`},
					{Name: "amount", Kind: "number", Pattern: `\$(\d+(?:\.\d+)?)`},
				},
				Route: RouteSpec{
					Tool: "invoices.refund",
					Input: map[string]string{
						"invoiceId": "$invoiceId",
						"amount":    "$amount",
					},
				},
			},
		},
	})
	if err != nil {
		// The built-in catalog is fixed at compile time; failing to validate
		// is a programming error.
		panic(err)
	}
	return c
}
