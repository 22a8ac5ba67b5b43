package controllers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

// JobController executes deferred jobs delivered by the queue workers.
type JobController struct {
	dispatcher *jobqueue.Dispatcher
	signer     *security.JobSigner
}

func NewJobController(dispatcher *jobqueue.Dispatcher, signer *security.JobSigner) *JobController {
	return &JobController{dispatcher: dispatcher, signer: signer}
}

var jobController *JobController

func InitializeJobController(dispatcher *jobqueue.Dispatcher, signer *security.JobSigner) {
	jobController = NewJobController(dispatcher, signer)
}

func GetJobController() *JobController {
	if jobController == nil {
		panic("JobController not initialized. Call InitializeJobController() first.")
	}
	return jobController
}

// HandleProcess handles POST /jobs/process. A non-2xx answer makes the
// delivering worker retry the job.
func (jc *JobController) HandleProcess(c *fiber.Ctx) error {
	body := append([]byte(nil), c.Body()...)
	if err := jc.signer.Verify(body, c.Get(security.JobSignatureHeader)); err != nil {
		log.Warnf("[JobQueue] Rejected job delivery from %s: %v", c.IP(), err)
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "invalid job signature")
	}

	var job jobqueue.Job
	if err := json.Unmarshal(body, &job); err != nil || job.ID == "" || job.Type == "" {
		return errorResponse(c, fiber.StatusBadRequest, "bad_request", "malformed job envelope")
	}

	if err := jc.dispatcher.Process(c.UserContext(), &job); err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		return errorResponse(c, fiber.StatusInternalServerError, "job_failed", "job failed, retry later")
	}
	return c.JSON(fiber.Map{"id": job.ID, "status": jobqueue.JobStatusCompleted})
}
