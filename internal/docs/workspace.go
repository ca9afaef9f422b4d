package docs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Workspace page keys, in creation order.
const (
	PageMeetingNotes = "meeting_notes"
	PageResearch     = "research"
	PageRisks        = "risks"
	PageFollowUps    = "followups"
	PageMemo         = "memo"
)

// placeholderText marks blocks that are cleared before generated content is
// written.
const placeholderText = "Placeholder — generated content will replace this."

var workspacePages = []struct {
	key   string
	title string
}{
	{PageMeetingNotes, "Meeting Notes"},
	{PageResearch, "Research"},
	{PageRisks, "Risks"},
	{PageFollowUps, "Follow-ups"},
	{PageMemo, "Memo"},
}

// Workspace is the structured document tree created for a deal: one root
// page and five child pages.
type Workspace struct {
	RootID  string
	RootURL string
	// PageIDs and PageURLs are keyed by the Page* constants.
	PageIDs  map[string]string
	PageURLs map[string]string
}

// URLs flattens the workspace into the deal's doc_urls map. The root URL is
// stored under "root".
func (w *Workspace) URLs() map[string]string {
	urls := make(map[string]string, len(w.PageURLs)+1)
	urls["root"] = w.RootURL
	for k, v := range w.PageURLs {
		urls[k] = v
	}
	return urls
}

// CreateDealWorkspace creates the root page "{company} — {founder}" with
// the five standard child pages, each seeded with a placeholder paragraph.
func CreateDealWorkspace(ctx context.Context, c Client, parentID, company, founder string) (*Workspace, error) {
	title := company
	if founder != "" {
		title = company + " — " + founder
	}
	root, err := c.CreatePage(ctx, CreatePageRequest{
		ParentID: parentID,
		Title:    title,
		Children: []Block{Paragraph(fmt.Sprintf("Deal workspace for %s.", title))},
	})
	if err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	ws := &Workspace{
		RootID:   root.ID,
		RootURL:  root.URL,
		PageIDs:  make(map[string]string, len(workspacePages)),
		PageURLs: make(map[string]string, len(workspacePages)),
	}
	for _, p := range workspacePages {
		page, err := c.CreatePage(ctx, CreatePageRequest{
			ParentID: root.ID,
			Title:    p.title,
			Children: []Block{Paragraph(placeholderText)},
		})
		if err != nil {
			return nil, fmt.Errorf("create workspace page %s: %w", p.key, err)
		}
		ws.PageIDs[p.key] = page.ID
		ws.PageURLs[p.key] = page.URL
	}
	return ws, nil
}

// ClearPlaceholders deletes placeholder blocks from the page so generated
// content starts clean. Non-placeholder blocks are preserved.
func ClearPlaceholders(ctx context.Context, c Client, pageID string) error {
	children, err := c.ListChildren(ctx, pageID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if strings.TrimSpace(child.Block.Text()) == placeholderText {
			if err := c.DeleteBlock(ctx, child.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// PageText concatenates the plain text of the page's child blocks. Used to
// read meeting notes as research context.
func PageText(ctx context.Context, c Client, pageID string) (string, error) {
	children, err := c.ListChildren(ctx, pageID)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, child := range children {
		if t := strings.TrimSpace(child.Block.Text()); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// WriteStageStatus appends a human-readable stage line to the deal's root
// page.
func WriteStageStatus(ctx context.Context, c Client, rootID, stage, status string) error {
	line := fmt.Sprintf("Stage: %s — %s (%s)", stage, status,
		time.Now().UTC().Format("2006-01-02 15:04 UTC"))
	return c.AppendBlocks(ctx, rootID, []Block{Paragraph(line)})
}
