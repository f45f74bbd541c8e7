package notionsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"
)

// Property names shared by both mirrored databases.
const (
	PropStableID = "Stable ID"
	PropSyncHash = "Sync Hash"
)

// TransactionToNotionProperties maps a reconciled transaction onto the
// transactions database: Description (title), Stable ID, Date, Amount,
// Account, Institution, Category, Lateral, Side Hustle, Sync Hash.
func TransactionToNotionProperties(tx domain.Transaction) notionapi.Properties {
	account := firstNonEmpty(tx.AccountName, tx.Account.AccountID)
	category := classifier.PrimaryCategory(tx.RawCategory)

	props := notionapi.Properties{
		"Description": notionapi.TitleProperty{Title: richText(tx.Description)},
		PropStableID:  notionapi.RichTextProperty{RichText: richText(tx.ID)},
		"Amount":      notionapi.NumberProperty{Number: toFloat(tx.Amount)},
		"Lateral":     notionapi.CheckboxProperty{Checkbox: tx.IsLateral},
		"Side Hustle": notionapi.CheckboxProperty{Checkbox: tx.IsSideHustle},
		"Category":    notionapi.SelectProperty{Select: notionapi.Option{Name: category}},
	}

	if !tx.Date.IsZero() {
		props["Date"] = dateProperty(tx.Date)
	}
	if account != "" {
		props["Account"] = notionapi.RichTextProperty{RichText: richText(account)}
	}
	if inst := tx.Institution(); inst != "" {
		props["Institution"] = notionapi.SelectProperty{Select: notionapi.Option{Name: selectName(inst)}}
	}

	props[PropSyncHash] = notionapi.RichTextProperty{RichText: richText(hashFields(
		tx.ID, tx.Date.String(), tx.Description, amountString(tx.Amount), account,
		tx.Institution(), category, boolString(tx.IsLateral), boolString(tx.IsSideHustle),
	))}
	return props
}

// AccountToNotionProperties maps an account onto the accounts database:
// Account (title), Stable ID, Institution, Type, Class, Balance, Group,
// Last Update, Sync Hash.
func AccountToNotionProperties(acc domain.AccountBalance) notionapi.Properties {
	id := acc.Account.ID()
	props := notionapi.Properties{
		"Account":    notionapi.TitleProperty{Title: richText(firstNonEmpty(acc.Name, acc.Account.AccountID))},
		PropStableID: notionapi.RichTextProperty{RichText: richText(id)},
	}

	if acc.Account.Institution != "" {
		props["Institution"] = notionapi.SelectProperty{Select: notionapi.Option{Name: selectName(acc.Account.Institution)}}
	}
	if acc.Type != domain.AccountUnknown {
		props["Type"] = notionapi.SelectProperty{Select: notionapi.Option{Name: string(acc.Type)}}
	}
	if acc.Class != domain.ClassUnknown {
		props["Class"] = notionapi.SelectProperty{Select: notionapi.Option{Name: string(acc.Class)}}
	}
	if acc.Balance.Valid {
		props["Balance"] = notionapi.NumberProperty{Number: toFloat(acc.Balance)}
	}
	if acc.Group != "" {
		props["Group"] = notionapi.RichTextProperty{RichText: richText(acc.Group)}
	}
	if acc.LastUpdate != "" {
		props["Last Update"] = notionapi.RichTextProperty{RichText: richText(acc.LastUpdate)}
	}

	props[PropSyncHash] = notionapi.RichTextProperty{RichText: richText(hashFields(
		id, acc.Name, acc.Account.AccountID, acc.Account.Institution, string(acc.Type),
		string(acc.Class), amountString(acc.Balance), acc.Group, acc.LastUpdate,
	))}
	return props
}

func richText(content string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{Content: content},
		},
	}
}

func dateProperty(d civil.Date) notionapi.DateProperty {
	start := notionapi.Date(time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC))
	return notionapi.DateProperty{Date: &notionapi.DateObject{Start: &start}}
}

func toFloat(d decimal.NullDecimal) float64 {
	if !d.Valid {
		return 0
	}
	return d.Decimal.InexactFloat64()
}

func amountString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(2)
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// selectName strips commas, which Notion rejects in select options.
func selectName(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, ",", " "))
}

// hashFields is the change marker stored on each page; a page whose hash
// matches the ledger record is left alone.
func hashFields(values ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(values, "\x1f")))
	return hex.EncodeToString(sum[:8])
}

// textValue reads the plain text of a title or rich-text property. Pages
// returned by the API carry pointer properties, locally built ones values.
func textValue(page notionapi.Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		return ""
	}
	var parts []notionapi.RichText
	switch p := prop.(type) {
	case *notionapi.RichTextProperty:
		parts = p.RichText
	case notionapi.RichTextProperty:
		parts = p.RichText
	case *notionapi.TitleProperty:
		parts = p.Title
	case notionapi.TitleProperty:
		parts = p.Title
	default:
		return ""
	}
	var b strings.Builder
	for _, rt := range parts {
		if rt.PlainText != "" {
			b.WriteString(rt.PlainText)
		} else if rt.Text != nil {
			b.WriteString(rt.Text.Content)
		}
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
