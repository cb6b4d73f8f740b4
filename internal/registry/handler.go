package registry

import (
	"bytes"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/auth"
	"carbon-scribe/mrv-registry/internal/export"
	"carbon-scribe/mrv-registry/internal/notifications/websocket"
	"carbon-scribe/mrv-registry/internal/store"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeCSV  = "text/csv"
	contentTypePDF  = "application/pdf"
	contentTypeGeo  = "application/geo+json"
)

// Handler handles HTTP requests for registry operations
type Handler struct {
	service      *Service
	stream       *websocket.Manager
	certificates *export.CertificateGenerator
	logger       *zap.Logger
}

// NewHandler creates a new registry handler. stream may be nil, in which case
// /events/stream is not registered.
func NewHandler(service *Service, stream *websocket.Manager, logger *zap.Logger) *Handler {
	return &Handler{
		service:      service,
		stream:       stream,
		certificates: export.NewCertificateGenerator(export.DefaultPDFOptions()),
		logger:       logger,
	}
}

// RegisterRoutes registers registry routes
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	write := auth.RequireIdentity()

	projects := router.Group("/projects")
	{
		projects.POST("", write, h.createProject)
		projects.GET("", h.listProjects)
		projects.GET("/:id", h.getProject)
		projects.PUT("/:id/status", write, h.setProjectStatus)
		projects.GET("/:id/records", h.listProjectRecords)
		projects.GET("/:id/batches", h.listProjectBatches)
		projects.GET("/:id/carbon-stats", h.getProjectCarbonStats)
		projects.GET("/:id/credit-stats", h.getProjectStats)
	}
	router.GET("/owners/:owner/projects", h.getUserProjects)

	records := router.Group("/records")
	{
		records.POST("", write, h.submitMRVData)
		records.GET("/:id", h.getRecord)
		records.POST("/:id/verify", write, h.verifyMRVData)
	}
	router.GET("/mrv/by-hash/:hash", h.verifyDocumentHash)

	credits := router.Group("/credits")
	{
		credits.POST("/issue", write, h.issueCredits)
		credits.POST("/transfers", write, h.transfer)
		credits.POST("/transfers/batch", write, h.batchTransfer)
		credits.POST("/retirements", write, h.retireCredits)
		credits.POST("/retirements/batch", write, h.batchRetire)
		credits.GET("/retirements/:id", h.getRetirement)
		credits.GET("/batches", h.listVintageBatches)
		credits.GET("/batches/:id", h.getBatch)
		credits.GET("/supply", h.getSupply)
	}

	accounts := router.Group("/accounts/:holder")
	{
		accounts.GET("/balance", h.getBalance)
		accounts.GET("/holdings", h.getHoldings)
		accounts.GET("/batches", h.listHolderBatches)
		accounts.GET("/batches/:batchId", h.getBatchBalance)
		accounts.GET("/portfolio", h.getPortfolio)
		accounts.GET("/retirements", h.listRetirements)
	}

	roles := router.Group("/roles/:role")
	{
		roles.GET("/members", h.listRoleMembers)
		roles.POST("/members", write, h.grantRole)
		roles.DELETE("/members/:identity", write, h.revokeRole)
	}

	system := router.Group("/system")
	{
		system.GET("/pause", h.getPaused)
		system.PUT("/pause", write, h.setPaused)
		system.GET("/summary", h.getSummary)
	}

	exports := router.Group("/exports")
	{
		exports.GET("/projects/:id/ledger", h.exportProjectLedger)
		exports.GET("/projects/:id/records", h.exportProjectRecords)
		exports.GET("/projects/:id/batches", h.exportProjectBatches)
		exports.GET("/projects/:id/sites", h.exportProjectSites)
		exports.GET("/retirements/:id/certificate", h.exportCertificate)
	}

	router.GET("/events", h.listEvents)
	if h.stream != nil {
		router.GET("/events/stream", h.streamEvents)
	}
}

// respondError writes err with the status of its kind.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Registry request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error(), "kind": KindOf(err)}
	if reason := ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	c.JSON(status, body)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": KindValidation, "reason": ReasonInvalidInput})
}

func (h *Handler) uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		h.badRequest(c, err)
		return 0, false
	}
	return v, true
}

// attachment sets Content-Disposition for a download. The filename is quoted
// by mime so ids cannot inject header parameters.
func attachment(c *gin.Context, filename string) {
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if disposition == "" {
		disposition = "attachment"
	}
	c.Header("Content-Disposition", disposition)
}

// =====================================================
// Projects
// =====================================================

func (h *Handler) createProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	project, err := h.service.CreateProject(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handler) listProjects(c *gin.Context) {
	projects, err := h.service.ListProjects(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

func (h *Handler) getProject(c *gin.Context) {
	project, err := h.service.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) getUserProjects(c *gin.Context) {
	projects, err := h.service.GetUserProjects(c.Request.Context(), store.Identity(c.Param("owner")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "count": len(projects)})
}

func (h *Handler) setProjectStatus(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	project, err := h.service.SetProjectStatus(c.Request.Context(), auth.Caller(c), c.Param("id"), *req.Active)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) listProjectRecords(c *gin.Context) {
	records, err := h.service.ListProjectRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (h *Handler) listProjectBatches(c *gin.Context) {
	batches, err := h.service.ListProjectBatches(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

func (h *Handler) getProjectCarbonStats(c *gin.Context) {
	stats, err := h.service.GetProjectCarbonStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) getProjectStats(c *gin.Context) {
	stats, err := h.service.GetProjectStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// =====================================================
// MRV records
// =====================================================

func (h *Handler) submitMRVData(c *gin.Context) {
	var req SubmitMRVRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	record, err := h.service.SubmitMRVData(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *Handler) getRecord(c *gin.Context) {
	id, ok := h.uintParam(c, "id")
	if !ok {
		return
	}
	record, err := h.service.GetRecord(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) verifyDocumentHash(c *gin.Context) {
	result, err := h.service.VerifyDocumentHash(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// VerifyRequest is the body of POST /records/:id/verify.
type VerifyRequest struct {
	Status store.RecordStatus `json:"status" binding:"required"`
	Notes  string             `json:"notes"`
}

func (h *Handler) verifyMRVData(c *gin.Context) {
	id, ok := h.uintParam(c, "id")
	if !ok {
		return
	}
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	record, err := h.service.VerifyMRVData(c.Request.Context(), auth.Caller(c), id, req.Status, req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// =====================================================
// Credits
// =====================================================

func (h *Handler) issueCredits(c *gin.Context) {
	var req IssueCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	batch, err := h.service.IssueCredits(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (h *Handler) transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	receipt, err := h.service.Transfer(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *Handler) retireCredits(c *gin.Context) {
	var req RetireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	retirement, err := h.service.RetireCredits(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, retirement)
}

func (h *Handler) batchTransfer(c *gin.Context) {
	var req struct {
		Transfers []TransferRequest `json:"transfers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	receipts, err := h.service.BatchTransfer(c.Request.Context(), auth.Caller(c), req.Transfers)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": receipts, "count": len(receipts)})
}

func (h *Handler) batchRetire(c *gin.Context) {
	var req struct {
		Retirements []RetireRequest `json:"retirements"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	retirements, err := h.service.BatchRetire(c.Request.Context(), auth.Caller(c), req.Retirements)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"retirements": retirements, "count": len(retirements)})
}

func (h *Handler) getRetirement(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.badRequest(c, err)
		return
	}
	retirement, err := h.service.GetRetirement(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, retirement)
}

func (h *Handler) getBatch(c *gin.Context) {
	id, ok := h.uintParam(c, "id")
	if !ok {
		return
	}
	batch, err := h.service.GetBatch(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// vintageQuery parses the optional vintage query parameter.
func (h *Handler) vintageQuery(c *gin.Context) (*int, bool) {
	raw := c.Query("vintage")
	if raw == "" {
		return nil, true
	}
	year, err := strconv.Atoi(raw)
	if err != nil {
		h.badRequest(c, err)
		return nil, false
	}
	return &year, true
}

func (h *Handler) listVintageBatches(c *gin.Context) {
	vintage, ok := h.vintageQuery(c)
	if !ok {
		return
	}
	if vintage == nil {
		h.badRequest(c, errVintageRequired)
		return
	}
	batches, err := h.service.BatchesByVintage(c.Request.Context(), *vintage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vintage_year": *vintage, "batches": batches, "count": len(batches)})
}

func (h *Handler) getSupply(c *gin.Context) {
	supply, err := h.service.Supply(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, supply)
}

// =====================================================
// Accounts
// =====================================================

func (h *Handler) getBalance(c *gin.Context) {
	holder := store.Identity(c.Param("holder"))
	balance, err := h.service.BalanceOf(c.Request.Context(), holder)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holder": holder, "balance": balance})
}

func (h *Handler) getHoldings(c *gin.Context) {
	vintage, ok := h.vintageQuery(c)
	if !ok {
		return
	}
	holder := store.Identity(c.Param("holder"))
	holdings, err := h.service.Holdings(c.Request.Context(), holder, vintage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holder": holder, "holdings": holdings, "count": len(holdings)})
}

func (h *Handler) listHolderBatches(c *gin.Context) {
	holder := store.Identity(c.Param("holder"))
	batches, err := h.service.HolderBatches(c.Request.Context(), holder)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holder": holder, "batches": batches, "count": len(batches)})
}

func (h *Handler) getBatchBalance(c *gin.Context) {
	batchID, ok := h.uintParam(c, "batchId")
	if !ok {
		return
	}
	holder := store.Identity(c.Param("holder"))
	balance, err := h.service.BatchBalance(c.Request.Context(), holder, batchID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holder": holder, "batch_id": batchID, "balance": balance})
}

func (h *Handler) getPortfolio(c *gin.Context) {
	portfolio, err := h.service.Portfolio(c.Request.Context(), store.Identity(c.Param("holder")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, portfolio)
}

func (h *Handler) listRetirements(c *gin.Context) {
	retirements, err := h.service.ListRetirements(c.Request.Context(), store.Identity(c.Param("holder")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retirements": retirements, "count": len(retirements)})
}

// =====================================================
// Roles and pause
// =====================================================

func (h *Handler) listRoleMembers(c *gin.Context) {
	members, err := h.service.RoleMembers(c.Request.Context(), store.Role(c.Param("role")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "members": members})
}

func (h *Handler) grantRole(c *gin.Context) {
	var req struct {
		Identity store.Identity `json:"identity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	role := store.Role(c.Param("role"))
	if err := h.service.GrantRole(c.Request.Context(), auth.Caller(c), role, req.Identity); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role, "identity": req.Identity, "granted": true})
}

func (h *Handler) revokeRole(c *gin.Context) {
	role := store.Role(c.Param("role"))
	who := store.Identity(c.Param("identity"))
	if err := h.service.RevokeRole(c.Request.Context(), auth.Caller(c), role, who); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getPaused(c *gin.Context) {
	paused, err := h.service.Paused(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

func (h *Handler) setPaused(c *gin.Context) {
	var req struct {
		Paused *bool `json:"paused" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.service.SetPaused(c.Request.Context(), auth.Caller(c), *req.Paused); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": *req.Paused})
}

func (h *Handler) getSummary(c *gin.Context) {
	summary, err := h.service.Aggregator().Summary(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// =====================================================
// Exports
// =====================================================

func (h *Handler) exportProjectLedger(c *gin.Context) {
	ledger, err := h.service.ProjectLedger(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteProjectLedger(&buf, *ledger); err != nil {
		h.respondError(c, err)
		return
	}
	attachment(c, ledger.Project.ID+"-ledger.xlsx")
	c.Data(http.StatusOK, contentTypeXLSX, buf.Bytes())
}

func (h *Handler) exportProjectRecords(c *gin.Context) {
	records, err := h.service.ListProjectRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteRecordsCSV(&buf, records); err != nil {
		h.respondError(c, err)
		return
	}
	attachment(c, c.Param("id")+"-records.csv")
	c.Data(http.StatusOK, contentTypeCSV, buf.Bytes())
}

func (h *Handler) exportProjectBatches(c *gin.Context) {
	batches, err := h.service.ListProjectBatches(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteBatchesCSV(&buf, batches); err != nil {
		h.respondError(c, err)
		return
	}
	attachment(c, c.Param("id")+"-batches.csv")
	c.Data(http.StatusOK, contentTypeCSV, buf.Bytes())
}

func (h *Handler) exportProjectSites(c *gin.Context) {
	records, err := h.service.ListProjectRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteSitesGeoJSON(&buf, records); err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, contentTypeGeo, buf.Bytes())
}

func (h *Handler) exportCertificate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.badRequest(c, err)
		return
	}
	cert, err := h.service.RetirementCertificate(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	out, err := h.certificates.Bytes(*cert)
	if err != nil {
		h.respondError(c, err)
		return
	}
	attachment(c, "retirement-"+id.String()+".pdf")
	c.Data(http.StatusOK, contentTypePDF, out)
}

// =====================================================
// Events
// =====================================================

func (h *Handler) listEvents(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	evts, head, err := h.service.ListEvents(c.Request.Context(), after, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts), "head": head})
}

func (h *Handler) streamEvents(c *gin.Context) {
	if _, err := h.stream.HandleConnection(c.Writer, c.Request, string(auth.Caller(c)), c.QueryArray("project_id")); err != nil {
		h.logger.Warn("Failed to open event stream", zap.Error(err))
	}
}
