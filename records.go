package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/KamonLeigh/BeeRich/models"
	"github.com/KamonLeigh/BeeRich/pkg/attachments"

	"github.com/Rhymond/go-money"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	pageSize        = 10
	defaultCurrency = "USD"
	maxAttachment   = 5 * 1024 * 1024
)

// errValidation marks malformed input the caller can correct and resubmit, as
// opposed to a generic failure. Mapped to 400 at the boundary.
var errValidation = errors.New("validation failed")

// recordKindMiddleware translates the path segment (/dashboard/expenses,
// /dashboard/income) into the record kind. Unknown segments are 404s: the two
// dashboards are the only collections that exist.
func recordKindMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Param("kind") {
		case "expenses":
			c.Set("kind", models.KindExpense)
		case "income":
			c.Set("kind", models.KindIncome)
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func recordKind(c *gin.Context) string {
	return c.GetString("kind")
}

// kindPath is the URL segment for a kind, the inverse of recordKindMiddleware.
func kindPath(kind string) string {
	if kind == models.KindIncome {
		return "income"
	}
	return "expenses"
}

// ownerKey is the opaque owner id used for event hub addressing.
func ownerKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

type recordForm struct {
	Title       string
	Description string
	Amount      decimal.Decimal
}

// parseRecordForm validates the shared create/update fields. Works for both
// urlencoded and multipart bodies; the attachment part is handled separately.
func parseRecordForm(c *gin.Context) (recordForm, error) {
	var form recordForm
	title, ok := c.GetPostForm("title")
	title = strings.TrimSpace(title)
	if !ok || title == "" {
		return form, fmt.Errorf("%w: title is required", errValidation)
	}
	description, ok := c.GetPostForm("description")
	if !ok {
		return form, fmt.Errorf("%w: description is required", errValidation)
	}
	amountStr, ok := c.GetPostForm("amount")
	if !ok || strings.TrimSpace(amountStr) == "" {
		return form, fmt.Errorf("%w: amount is required", errValidation)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(amountStr))
	if err != nil {
		return form, fmt.Errorf("%w: amount %q is not a number", errValidation, amountStr)
	}
	form.Title = title
	form.Description = description
	form.Amount = amount
	return form, nil
}

// storeUploadedAttachment stores the optional attachment part of a multipart
// request and returns the stored name, or "" when the request carries none.
func (s *server) storeUploadedAttachment(c *gin.Context) (string, error) {
	file, err := c.FormFile("attachment")
	if err != nil {
		// urlencoded body or no attachment part; the field is optional
		return "", nil
	}
	if file.Filename == "" {
		return "", nil
	}
	if file.Size > maxAttachment {
		return "", fmt.Errorf("%w: attachment too large (max 5MB)", errValidation)
	}
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("open uploaded attachment: %w", err)
	}
	defer src.Close()
	return s.store.Save(src, file.Filename)
}

// findRecord looks a record up scoped to (id, owner, kind) in one query, so a
// wrong owner is indistinguishable from a missing id.
func findRecord(id string, userID uint, kind string) (models.Record, error) {
	var rec models.Record
	err := db.Where("id = ? AND user_id = ? AND kind = ?", id, userID, kind).First(&rec).Error
	return rec, err
}

func respondRecordError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, attachments.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.Printf("record handler error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "something went wrong"})
	}
}

// logMutation appends a history row. Best-effort: a failed log write is
// logged, the mutation already succeeded.
func logMutation(rec models.Record, action string) {
	entry := models.RecordLog{
		RecordID:     rec.ID,
		UserID:       rec.UserID,
		Action:       action,
		Title:        rec.Title,
		Amount:       rec.Amount,
		CurrencyCode: rec.CurrencyCode,
	}
	if err := db.Create(&entry).Error; err != nil {
		log.Printf("failed to log %s for record %s: %v", action, rec.ID, err)
	}
}

// recordView decorates a record with a currency-aware display amount.
type recordView struct {
	models.Record
	FormattedAmount string
}

func viewOf(rec models.Record) recordView {
	return recordView{Record: rec, FormattedAmount: formatAmount(rec.Amount, rec.CurrencyCode)}
}

func formatAmount(amount decimal.Decimal, currencyCode string) string {
	// Round first so the display matches the numeric(14,2) value the
	// database stores, not the raw form input.
	return money.New(amount.Round(2).Shift(2).IntPart(), currencyCode).Display()
}

// createRecordHandler persists a new record for the authenticated user and
// notifies their open streams. Multipart bodies may carry an attachment,
// which is stored before the row is written.
func (s *server) createRecordHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	form, err := parseRecordForm(c)
	if err != nil {
		respondRecordError(c, err)
		return
	}
	attachment, err := s.storeUploadedAttachment(c)
	if err != nil {
		respondRecordError(c, err)
		return
	}
	rec := models.Record{
		UserID:       user.ID,
		Kind:         recordKind(c),
		Title:        form.Title,
		Description:  form.Description,
		Amount:       form.Amount,
		CurrencyCode: defaultCurrency,
		Attachment:   attachment,
	}
	if err := db.Create(&rec).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	logMutation(rec, "created")
	s.hub.Publish(ownerKey(user.ID))
	c.JSON(http.StatusOK, viewOf(rec))
}

// recordActionHandler is the single mutation endpoint for an existing record.
// The intent field picks the operation; anything else is a bad request.
func (s *server) recordActionHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	switch c.PostForm("intent") {
	case "update":
		s.updateRecord(c, user.ID)
	case "delete":
		s.deleteRecord(c, user.ID)
	case "remove-attachment":
		s.removeRecordAttachment(c, user.ID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown intent"})
	}
}

func (s *server) updateRecord(c *gin.Context, userID uint) {
	form, err := parseRecordForm(c)
	if err != nil {
		respondRecordError(c, err)
		return
	}
	rec, err := findRecord(c.Param("id"), userID, recordKind(c))
	if err != nil {
		respondRecordError(c, err)
		return
	}
	attachment, err := s.storeUploadedAttachment(c)
	if err != nil {
		respondRecordError(c, err)
		return
	}
	rec.Title = form.Title
	rec.Description = form.Description
	rec.Amount = form.Amount
	if attachment != "" {
		// A replaced attachment's old blob is left in place; the sweep
		// subcommand reaps blobs no record references anymore.
		rec.Attachment = attachment
	}
	if err := db.Save(&rec).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	logMutation(rec, "updated")
	s.hub.Publish(ownerKey(userID))
	c.JSON(http.StatusOK, viewOf(rec))
}

func (s *server) deleteRecord(c *gin.Context, userID uint) {
	rec, err := findRecord(c.Param("id"), userID, recordKind(c))
	if err != nil {
		respondRecordError(c, err)
		return
	}
	if err := db.Delete(&rec).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	// Blob removal happens after the row is gone and never fails the request.
	if rec.Attachment != "" {
		s.store.Remove(rec.Attachment)
	}
	logMutation(rec, "deleted")
	s.hub.Publish(ownerKey(userID))

	// Send the client back where it came from, unless that page belongs to
	// the record that just stopped existing.
	target := "/dashboard/" + kindPath(rec.Kind)
	if referer := c.GetHeader("Referer"); referer != "" && !strings.Contains(referer, rec.ID) {
		target = referer
	}
	c.Redirect(http.StatusFound, target)
}

func (s *server) removeRecordAttachment(c *gin.Context, userID uint) {
	attachmentURL := strings.TrimSpace(c.PostForm("attachmentUrl"))
	if attachmentURL == "" {
		respondRecordError(c, fmt.Errorf("%w: attachmentUrl is required", errValidation))
		return
	}
	fileName := fileNameFromURL(attachmentURL)
	if fileName == "" {
		respondRecordError(c, fmt.Errorf("%w: attachmentUrl is malformed", errValidation))
		return
	}
	rec, err := findRecord(c.Param("id"), userID, recordKind(c))
	if err != nil {
		respondRecordError(c, err)
		return
	}
	rec.Attachment = ""
	if err := db.Save(&rec).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	s.store.Remove(fileName)
	logMutation(rec, "attachment-removed")
	s.hub.Publish(ownerKey(userID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// fileNameFromURL extracts the stored file name from the client-visible
// attachment URL: its final path segment.
func fileNameFromURL(u string) string {
	segments := strings.Split(strings.TrimRight(u, "/"), "/")
	return segments[len(segments)-1]
}

// ownedRecords builds the owner-and-kind scoped base query for list/count.
func ownedRecords(userID uint, kind, search string) *gorm.DB {
	q := db.Model(&models.Record{}).Where("user_id = ? AND kind = ?", userID, kind)
	if search != "" {
		q = q.Where("title ILIKE ?", "%"+search+"%")
	}
	return q
}

// listRecordsHandler returns one page of the user's records, newest first,
// optionally filtered by a title search, along with the total match count so
// the client can paginate.
func (s *server) listRecordsHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	kind := recordKind(c)
	search := c.Query("q")
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}

	var count int64
	if err := ownedRecords(user.ID, kind, search).Count(&count).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	var recs []models.Record
	err := ownedRecords(user.ID, kind, search).
		Order("created_at desc").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&recs).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	c.JSON(http.StatusOK, gin.H{"count": count, "records": views})
}

// getRecordHandler returns the record plus its mutation history, newest first.
func (s *server) getRecordHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	rec, err := findRecord(c.Param("id"), user.ID, recordKind(c))
	if err != nil {
		respondRecordError(c, err)
		return
	}
	var logs []models.RecordLog
	if err := db.Where("record_id = ? AND user_id = ?", rec.ID, user.ID).Order("created_at desc").Find(&logs).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": viewOf(rec), "logs": logs})
}

// getAttachmentHandler serves the record's attachment as a download. The
// stored file name doubles as the cache validator: a matching If-None-Match
// short-circuits to 304 without touching the blob store. A request for a name
// other than the record's current attachment redirects to the canonical URL.
func (s *server) getAttachmentHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	rec, err := findRecord(c.Param("id"), user.ID, recordKind(c))
	if err != nil {
		respondRecordError(c, err)
		return
	}
	if rec.Attachment == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	requested := strings.TrimPrefix(c.Param("file"), "/")
	if requested != rec.Attachment {
		c.Redirect(http.StatusFound, fmt.Sprintf("/dashboard/%s/%s/attachments/%s", kindPath(rec.Kind), rec.ID, rec.Attachment))
		return
	}
	c.Header("ETag", rec.Attachment)
	if c.GetHeader("If-None-Match") == rec.Attachment {
		c.Status(http.StatusNotModified)
		return
	}
	data, err := s.store.Read(rec.Attachment)
	if err != nil {
		respondRecordError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Attachment))
	c.Data(http.StatusOK, "application/octet-stream", data)
}
