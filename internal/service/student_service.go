package service

import (
	"context"

	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// StudentService handles student business logic.
type StudentService struct {
	studentRepo *repository.StudentRepository
	bcryptCost  int
}

// NewStudentService creates a new StudentService.
func NewStudentService(studentRepo *repository.StudentRepository, bcryptCost int) *StudentService {
	return &StudentService{studentRepo: studentRepo, bcryptCost: bcryptCost}
}

// GetByID retrieves a student by ID.
func (s *StudentService) GetByID(ctx context.Context, id int) (*model.Student, error) {
	return s.studentRepo.GetByID(ctx, id)
}

// Create inserts a new student, hashing the plaintext password carried in
// student.PasswordHash.
func (s *StudentService) Create(ctx context.Context, student *model.Student) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(student.PasswordHash), s.bcryptCost)
	if err != nil {
		return err
	}
	student.PasswordHash = string(hashed)
	return s.studentRepo.Create(ctx, student)
}
